package svc

const (
	// MaxChannelCount 单个连接可注册的静态通道上限
	MaxChannelCount = 30

	// ChannelNameLen 通道名字段长度（字节）
	ChannelNameLen = 8

	// MaxNegotiatedChannels 协商通道列表的容量
	MaxNegotiatedChannels = 16

	// FirstChannelID 第一个静态通道的MCS通道ID
	FirstChannelID uint16 = 1004
)

// 通道选项位（CHANNEL_DEF.options）
const (
	OptionInitialized             uint32 = 0x80000000
	OptionEncryptRDP              uint32 = 0x40000000
	OptionEncryptSC               uint32 = 0x20000000
	OptionEncryptCS               uint32 = 0x10000000
	OptionPriHigh                 uint32 = 0x08000000
	OptionPriMed                  uint32 = 0x04000000
	OptionPriLow                  uint32 = 0x02000000
	OptionCompressRDP             uint32 = 0x00800000
	OptionCompress                uint32 = 0x00400000
	OptionShowProtocol            uint32 = 0x00200000
	OptionRemoteControlPersistent uint32 = 0x00100000
)

// 常用通道名
const (
	ChannelRDPDR   = "rdpdr"
	ChannelRDPSND  = "rdpsnd"
	ChannelDRDYNVC = "drdynvc"
	ChannelCLIPRDR = "cliprdr"
)

// NameField 返回通道名的8字节定长字段，不足补0
func NameField(name string) [ChannelNameLen]byte {
	var f [ChannelNameLen]byte
	copy(f[:], name)
	return f
}
