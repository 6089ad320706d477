// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 主链路帧编解码 - 2 字节命令、4 字节标签、定长 ASCII 长度字段
// =============================================================================

package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command 遥控端发往主机的命令，固定 2 字节 ASCII，无分隔符
type Command string

const (
	CmdUp         Command = "up" // 上一页
	CmdDown       Command = "dn" // 下一页
	CmdScreenshot Command = "sc" // 请求截图
	CmdPing       Command = "pi" // 保活探测
	CmdDisconnect Command = "di" // 正常断开通知
)

// AllCommands 命令集合（封闭）
var AllCommands = []Command{CmdUp, CmdDown, CmdScreenshot, CmdPing, CmdDisconnect}

// Tag 主机发往遥控端的帧标签（4 字节窗口去掉填充后的值）
type Tag string

const (
	TagPong      Tag = "pong"
	TagPicture   Tag = "pic"
	TagHandshake Tag = "wifi"
)

// 帧格式常量
const (
	CommandSize         = 2
	TagSize             = 4
	PictureLengthSize   = 8
	HandshakeLengthSize = 4

	// DefaultChunkSize 图片分块读取大小
	DefaultChunkSize = 16 * 1024

	// DefaultMaxImageSize 单张图片上限，超过视为失步
	DefaultMaxImageSize = 16 << 20

	// MaxHandshakeSize 4 位十进制长度字段的上限
	MaxHandshakeSize = 9999

	// MaxPictureSize 8 位十进制长度字段的上限
	MaxPictureSize = 99999999
)

// 填充字符：主机发送 "pic:"，也兼容空格和 NUL
const tagPadding = " :\x00"

var (
	// ErrProtocolDesync 主链路出现无法识别的数据，当前连接不可恢复
	ErrProtocolDesync = errors.New("协议失步")

	// ErrUnknownCommand 未定义的命令
	ErrUnknownCommand = errors.New("未知命令")
)

// =============================================================================
// 命令
// =============================================================================

// Valid 是否属于命令集合
func (c Command) Valid() bool {
	for _, known := range AllCommands {
		if c == known {
			return true
		}
	}
	return false
}

// Bytes 返回线上字节
func (c Command) Bytes() []byte {
	return []byte(c)
}

// String 返回命令字符串
func (c Command) String() string {
	return string(c)
}

// ParseCommand 解析命令
func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}

// MustCommand 解析命令，未定义的命令属于调用方违约，直接 panic
func MustCommand(s string) Command {
	c, err := ParseCommand(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ReadCommand 读取一条 2 字节命令
// 未知命令返回原始值和 ErrUnknownCommand，流仍然对齐
func ReadCommand(r io.Reader) (Command, error) {
	var buf [CommandSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	c := Command(buf[:])
	if !c.Valid() {
		return c, fmt.Errorf("%w: %q", ErrUnknownCommand, string(buf[:]))
	}
	return c, nil
}

// =============================================================================
// 入站帧
// =============================================================================

// ReadTag 读取 4 字节标签
// 无法识别的标签返回 ErrProtocolDesync，调用方应断开并重连，不做字节级重同步
func ReadTag(r io.Reader) (Tag, error) {
	var buf [TagSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	tag := Tag(strings.TrimRight(string(buf[:]), tagPadding))
	switch tag {
	case TagPong, TagPicture, TagHandshake:
		return tag, nil
	}
	return tag, fmt.Errorf("%w: 未知标签 %q", ErrProtocolDesync, string(buf[:]))
}

// ReadLength 读取定长 ASCII 十进制长度字段
func ReadLength(r io.Reader, width int) (int, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	field := strings.TrimSpace(strings.Trim(string(buf), "\x00"))
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: 长度字段无效 %q", ErrProtocolDesync, string(buf))
	}
	return n, nil
}

// ReadExactly 按 chunk 分块读取恰好 n 字节
// 流提前结束时返回 io.ErrUnexpectedEOF
func ReadExactly(r io.Reader, n, chunk int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: 负长度 %d", ErrProtocolDesync, n)
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	buf := make([]byte, n)
	for off := 0; off < n; {
		end := off + chunk
		if end > n {
			end = n
		}
		m, err := io.ReadFull(r, buf[off:end])
		off += m
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("已读取 %d/%d 字节: %w", off, n, err)
		}
	}
	return buf, nil
}

// ReadHandshakeFrame 读取完整握手帧 "wifi" + 4 位长度 + JSON
func ReadHandshakeFrame(r io.Reader) ([]byte, error) {
	tag, err := ReadTag(r)
	if err != nil {
		return nil, err
	}
	if tag != TagHandshake {
		return nil, fmt.Errorf("%w: 期望握手帧，收到 %q", ErrProtocolDesync, tag)
	}
	n, err := ReadLength(r, HandshakeLengthSize)
	if err != nil {
		return nil, err
	}
	return ReadExactly(r, n, DefaultChunkSize)
}

// =============================================================================
// 出站帧
// =============================================================================

// EncodePong 构建保活应答
func EncodePong() []byte {
	return []byte(TagPong)
}

// EncodePicture 构建图片帧: "pic:" + 8 位长度 + 图片字节
func EncodePicture(img []byte) ([]byte, error) {
	if len(img) > MaxPictureSize {
		return nil, fmt.Errorf("图片过大: %d 字节", len(img))
	}
	out := make([]byte, 0, TagSize+PictureLengthSize+len(img))
	out = append(out, "pic:"...)
	out = append(out, fmt.Sprintf("%0*d", PictureLengthSize, len(img))...)
	return append(out, img...), nil
}

// EncodeHandshake 构建握手帧: "wifi" + 4 位长度 + 负载
// 空负载即否定握手 "wifi0000"
func EncodeHandshake(payload []byte) ([]byte, error) {
	if len(payload) > MaxHandshakeSize {
		return nil, fmt.Errorf("握手负载过大: %d 字节", len(payload))
	}
	out := make([]byte, 0, TagSize+HandshakeLengthSize+len(payload))
	out = append(out, TagHandshake...)
	out = append(out, fmt.Sprintf("%0*d", HandshakeLengthSize, len(payload))...)
	return append(out, payload...), nil
}
