// Package fragment 实现虚拟通道数据的分片与重组。
//
// 入站方向由 Reassembler 把 FIRST ... LAST 标记的分片拼成完整消息；
// 出站方向由 Chunker 把一条消息切成不超过传输分片大小的分片序列。
package fragment

// 通道PDU标志位（MS-RDPBCGR 2.2.6.1）
const (
	FlagFirst            uint32 = 0x00000001
	FlagLast             uint32 = 0x00000002
	FlagOnly                    = FlagFirst | FlagLast
	FlagShowProtocol     uint32 = 0x00000010
	FlagSuspend          uint32 = 0x00000020
	FlagResume           uint32 = 0x00000040
	FlagShadowPersistent uint32 = 0x00000080
)

const (
	// ChunkLength 默认的静态通道分片大小
	ChunkLength = 1600

	// DefaultMaxMessageSize 单条重组消息的默认上限（32MB）
	DefaultMaxMessageSize = 32 * 1024 * 1024
)

// Fragment 一个线路层分片
type Fragment struct {
	ChannelID   uint32 // 静态通道为16位MCS通道ID，动态通道为32位通道ID
	Flags       uint32
	TotalLength uint32 // 整条消息的长度（每个分片都携带）
	Data        []byte
}

// IsFirst 是否为消息的第一个分片
func (f Fragment) IsFirst() bool { return f.Flags&FlagFirst != 0 }

// IsLast 是否为消息的最后一个分片
func (f Fragment) IsLast() bool { return f.Flags&FlagLast != 0 }

// IsControl SUSPEND/RESUME分片不属于通道数据
func (f Fragment) IsControl() bool { return f.Flags&(FlagSuspend|FlagResume) != 0 }
