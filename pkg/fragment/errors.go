package fragment

import "errors"

var (
	ErrNoReassembly    = errors.New("fragment without preceding FIRST fragment")
	ErrMessageTooLarge = errors.New("reassembled message exceeds size limit")
)
