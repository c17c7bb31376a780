// Package codec は決定的CBORエンコーディングを提供する。
// 監査ログのハッシュ計算とエンベロープのバイナリ表現で使う。
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode は Core Deterministic Encoding (RFC 8949 §4.2) の設定。
// 同じ論理データは常に同じバイト列になる。
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal は v を決定的CBORでエンコードする。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal はCBORデータを v にデコードする。
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
