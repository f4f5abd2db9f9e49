package dvc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// 命令ID（MS-RDPEDYC 2.2）
const (
	CmdCreate     uint8 = 0x01
	CmdDataFirst  uint8 = 0x02
	CmdData       uint8 = 0x03
	CmdClose      uint8 = 0x04
	CmdCapability uint8 = 0x05
)

// 能力版本
const (
	CapsVersion1 uint16 = 0x0001
	CapsVersion2 uint16 = 0x0002
	CapsVersion3 uint16 = 0x0003
)

// 创建响应状态，负数表示失败
const (
	CreateResultOK         int32 = 0
	CreateResultNoListener int32 = -2147023728 // 0x80070490
)

// MaxPDUSize 一个drdynvc PDU的最大长度
const MaxPDUSize = 1600

// PDU 解码后的drdynvc PDU
type PDU struct {
	Cmd       uint8
	Sp        uint8
	CbChID    uint8
	ChannelID uint32
	Version   uint16 // CmdCapability
	Length    uint32 // CmdDataFirst：整条消息长度
	Data      []byte // 通道ID之后的负载
}

func header(cmd, sp, cbChID uint8) byte {
	return (cmd&0x0F)<<4 | (sp&0x03)<<2 | cbChID&0x03
}

// varUintSize 编码val需要的字段宽度编号（0:1字节 1:2字节 2:4字节）
func varUintSize(val uint32) uint8 {
	switch {
	case val <= 0xFF:
		return 0
	case val <= 0xFFFF:
		return 1
	default:
		return 2
	}
}

func varUintLen(cb uint8) int {
	switch cb {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

func writeVarUint(buf *bytes.Buffer, cb uint8, val uint32) {
	switch cb {
	case 0:
		buf.WriteByte(byte(val))
	case 1:
		_ = binary.Write(buf, binary.LittleEndian, uint16(val))
	default:
		_ = binary.Write(buf, binary.LittleEndian, val)
	}
}

func readVarUint(data []byte, cb uint8) (uint32, []byte, error) {
	n := varUintLen(cb)
	if len(data) < n {
		return 0, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortPDU, n, len(data))
	}
	switch n {
	case 1:
		return uint32(data[0]), data[1:], nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(data)), data[2:], nil
	default:
		return binary.LittleEndian.Uint32(data), data[4:], nil
	}
}

func encodeWithID(cmd, sp uint8, id uint32, extra int) *bytes.Buffer {
	cb := varUintSize(id)
	buf := bytes.NewBuffer(make([]byte, 0, 1+varUintLen(cb)+extra))
	buf.WriteByte(header(cmd, sp, cb))
	writeVarUint(buf, cb, id)
	return buf
}

// EncodeCapsRequest 服务端能力请求（版本1）：50 00 01 00
func EncodeCapsRequest() []byte {
	return EncodeCapsResponse(CapsVersion1)
}

// EncodeCapsResponse 能力响应
func EncodeCapsResponse(version uint16) []byte {
	b := []byte{header(CmdCapability, 0, 0), 0, 0, 0}
	binary.LittleEndian.PutUint16(b[2:], version)
	return b
}

// EncodeCreateRequest 创建请求：通道ID + 以NUL结尾的通道名
func EncodeCreateRequest(id uint32, name string) []byte {
	buf := encodeWithID(CmdCreate, 0, id, len(name)+1)
	buf.WriteString(name)
	buf.WriteByte(0)
	return buf.Bytes()
}

// EncodeCreateResponse 创建响应：通道ID + int32状态
func EncodeCreateResponse(id uint32, status int32) []byte {
	buf := encodeWithID(CmdCreate, 0, id, 4)
	_ = binary.Write(buf, binary.LittleEndian, status)
	return buf.Bytes()
}

// EncodeClose 关闭请求/响应
func EncodeClose(id uint32) []byte {
	return encodeWithID(CmdClose, 0, id, 0).Bytes()
}

// EncodeData 把一条消息编码为若干个不超过maxPDU字节的PDU。
// 单个PDU放得下时只产生一个DATA；否则第一个为携带总长度的DATA_FIRST，其余为DATA。
func EncodeData(id uint32, data []byte, maxPDU int) [][]byte {
	if maxPDU <= 0 {
		maxPDU = MaxPDUSize
	}
	idLen := 1 + varUintLen(varUintSize(id))
	if idLen+len(data) <= maxPDU {
		buf := encodeWithID(CmdData, 0, id, len(data))
		buf.Write(data)
		return [][]byte{buf.Bytes()}
	}

	total := uint32(len(data))
	lenCb := varUintSize(total)
	first := maxPDU - idLen - varUintLen(lenCb)
	if first < 1 {
		first = 1
	}
	rest := maxPDU - idLen
	if rest < 1 {
		rest = 1
	}

	pdus := make([][]byte, 0, 1+(len(data)-first+rest-1)/rest)
	buf := encodeWithID(CmdDataFirst, lenCb, id, varUintLen(lenCb)+first)
	writeVarUint(buf, lenCb, total)
	buf.Write(data[:first])
	pdus = append(pdus, buf.Bytes())

	for off := first; off < len(data); off += rest {
		end := off + rest
		if end > len(data) {
			end = len(data)
		}
		buf := encodeWithID(CmdData, 0, id, end-off)
		buf.Write(data[off:end])
		pdus = append(pdus, buf.Bytes())
	}
	return pdus
}

// Decode 解码一个完整的drdynvc PDU，Data引用输入切片
func Decode(b []byte) (PDU, error) {
	if len(b) < 1 {
		return PDU{}, ErrShortPDU
	}
	p := PDU{
		Cmd:    b[0] >> 4,
		Sp:     (b[0] >> 2) & 0x03,
		CbChID: b[0] & 0x03,
	}
	rest := b[1:]

	switch p.Cmd {
	case CmdCapability:
		if len(rest) < 3 {
			return PDU{}, fmt.Errorf("%w: capability", ErrShortPDU)
		}
		p.Version = binary.LittleEndian.Uint16(rest[1:3])
		p.Data = rest[3:]
		return p, nil
	case CmdCreate, CmdDataFirst, CmdData, CmdClose:
	default:
		return PDU{}, fmt.Errorf("%w: 0x%x", ErrUnknownCommand, p.Cmd)
	}

	id, rest, err := readVarUint(rest, p.CbChID)
	if err != nil {
		return PDU{}, err
	}
	p.ChannelID = id

	if p.Cmd == CmdDataFirst {
		length, r, err := readVarUint(rest, p.Sp)
		if err != nil {
			return PDU{}, err
		}
		p.Length = length
		rest = r
	}
	p.Data = rest
	return p, nil
}

// ChannelName 创建请求中的通道名
func (p PDU) ChannelName() (string, error) {
	if p.Cmd != CmdCreate {
		return "", fmt.Errorf("%w: not a create request", ErrUnknownCommand)
	}
	i := bytes.IndexByte(p.Data, 0)
	if i < 0 {
		return string(p.Data), nil
	}
	return string(p.Data[:i]), nil
}

// CreationStatus 创建响应中的状态
func (p PDU) CreationStatus() (int32, error) {
	if p.Cmd != CmdCreate {
		return 0, fmt.Errorf("%w: not a create response", ErrUnknownCommand)
	}
	if len(p.Data) < 4 {
		return 0, fmt.Errorf("%w: create response", ErrShortPDU)
	}
	return int32(binary.LittleEndian.Uint32(p.Data)), nil
}
