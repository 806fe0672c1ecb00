package regcode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion 编码格式版本，结构变化时递增
const FormatVersion = 1

// encoded 磁盘缓存中的记录
type encoded struct {
	Version int   `cbor:"1,keyasint"`
	Code    *Code `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("regcode: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("regcode: cbor dec mode: %v", err))
	}
}

// Marshal 把代码编码为 CBOR
func Marshal(c *Code) ([]byte, error) {
	return encMode.Marshal(encoded{Version: FormatVersion, Code: c})
}

// Unmarshal 解码 Marshal 的输出
func Unmarshal(data []byte) (*Code, error) {
	var e encoded
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode compiled code: %w", err)
	}
	if e.Version != FormatVersion {
		return nil, fmt.Errorf("compiled code format %d, want %d", e.Version, FormatVersion)
	}
	if e.Code == nil {
		return nil, fmt.Errorf("compiled code record is empty")
	}
	if err := e.Code.Validate(); err != nil {
		return nil, fmt.Errorf("compiled code: %w", err)
	}
	return e.Code, nil
}
