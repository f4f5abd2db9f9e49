package transport

import (
	"bytes"
	"encoding/binary"

	"github.com/junbin-yang/vchannel-go/pkg/fragment"
)

// 帧格式（小端）：ChannelID(2) + Flags(4) + TotalLength(4) + DataLen(4) + Data
const HeaderSize = 14

// 传输层默认参数
const (
	DefaultMaxFragmentData = 64 * 1024 // 单帧数据上限
	DefaultBufferSize      = 8192      // 接收缓冲初始大小
	readChunk              = 4096      // 每次从连接读取的字节数
)

// FrameHeader 帧头
type FrameHeader struct {
	ChannelID   uint16
	Flags       uint32
	TotalLength uint32
	DataLen     uint32
}

// encodeHeader 编码帧头
func encodeHeader(f fragment.Fragment) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	binary.Write(buf, binary.LittleEndian, uint16(f.ChannelID))
	binary.Write(buf, binary.LittleEndian, f.Flags)
	binary.Write(buf, binary.LittleEndian, f.TotalLength)
	binary.Write(buf, binary.LittleEndian, uint32(len(f.Data)))
	return buf.Bytes()
}

// decodeHeader 解码帧头，b至少HeaderSize字节
func decodeHeader(b []byte) FrameHeader {
	return FrameHeader{
		ChannelID:   binary.LittleEndian.Uint16(b[0:2]),
		Flags:       binary.LittleEndian.Uint32(b[2:6]),
		TotalLength: binary.LittleEndian.Uint32(b[6:10]),
		DataLen:     binary.LittleEndian.Uint32(b[10:14]),
	}
}
