package fragment

// Chunker 把一条消息按最大分片大小依次切分。
// 第一个分片带FIRST，最后一个分片带LAST，单分片消息同时带两者；
// 空消息产生一个带FIRST|LAST的空分片。
type Chunker struct {
	channelID uint32
	msg       []byte
	maxChunk  int
	offset    int
	done      bool
}

// NewChunker 创建分片器，maxChunk<=0 时使用 ChunkLength
func NewChunker(channelID uint32, msg []byte, maxChunk int) *Chunker {
	if maxChunk <= 0 {
		maxChunk = ChunkLength
	}
	return &Chunker{channelID: channelID, msg: msg, maxChunk: maxChunk}
}

// Next 返回下一个分片；分片的Data引用原消息，不做拷贝
func (c *Chunker) Next() (Fragment, bool) {
	if c.done {
		return Fragment{}, false
	}

	end := c.offset + c.maxChunk
	if end > len(c.msg) {
		end = len(c.msg)
	}

	var flags uint32
	if c.offset == 0 {
		flags |= FlagFirst
	}
	if end == len(c.msg) {
		flags |= FlagLast
		c.done = true
	}

	f := Fragment{
		ChannelID:   c.channelID,
		Flags:       flags,
		TotalLength: uint32(len(c.msg)),
		Data:        c.msg[c.offset:end],
	}
	c.offset = end
	return f, true
}

// Remaining 尚未切出的字节数
func (c *Chunker) Remaining() int {
	return len(c.msg) - c.offset
}

// Split 一次性切分整条消息
func Split(channelID uint32, msg []byte, maxChunk int) []Fragment {
	c := NewChunker(channelID, msg, maxChunk)
	n := 1
	if c.maxChunk > 0 && len(msg) > c.maxChunk {
		n = (len(msg) + c.maxChunk - 1) / c.maxChunk
	}
	out := make([]Fragment, 0, n)
	for {
		f, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}
