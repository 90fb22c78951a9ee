package flvio

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

// amf0ParseErr wraps err with the element being parsed. The innermost
// failure is a framing error.
func amf0ParseErr(message string, offset int, err error) error {
	if err == nil {
		return av.Framingf("amf0: %s at %d", message, offset)
	}
	return errors.Wrapf(err, "%s:%d", message, offset)
}

// AMFKV is one property of an ECMA array.
type AMFKV struct {
	Key   string
	Value interface{}
}

type AMFMap map[string]interface{}
type AMFArray []interface{}

// AMFECMAArray keeps its properties in insertion order, which is the
// order players expect for onMetaData.
type AMFECMAArray []AMFKV

func (self AMFECMAArray) Get(key string) (interface{}, bool) {
	for _, kv := range self {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

func (self AMFECMAArray) Keys() (keys []string) {
	for _, kv := range self {
		keys = append(keys, kv.Key)
	}
	return
}

func parseBEFloat64(b []byte) float64 {
	return math.Float64frombits(pio.U64BE(b))
}

func fillBEFloat64(b []byte, f float64) int {
	pio.PutU64BE(b, math.Float64bits(f))
	return 8
}

const lenAMF0Number = 9

func fillAMF0Number(b []byte, f float64) int {
	b[0] = numbermarker
	fillBEFloat64(b[1:], f)
	return lenAMF0Number
}

const (
	numbermarker = iota
	booleanmarker
	stringmarker
	objectmarker
	movieclipmarker
	nullmarker
	undefinedmarker
	referencemarker
	ecmaarraymarker
	objectendmarker
	strictarraymarker
	datemarker
	longstringmarker
	unsupportedmarker
	recordsetmarker
	xmldocumentmarker
	typedobjectmarker
	avmplusobjectmarker
)

func lenAMF0Key(k string) int {
	return 2 + len(k)
}

func fillAMF0Key(b []byte, k string) (n int) {
	pio.PutU16BE(b[n:], uint16(len(k)))
	n += 2
	n += copy(b[n:], k)
	return
}

func LenAMF0Val(_val interface{}) (n int) {
	switch val := _val.(type) {
	case int8, int16, int32, int64, int,
		uint8, uint16, uint32, uint64, uint,
		float32, float64:
		n += lenAMF0Number

	case string:
		u := len(val)
		if u <= math.MaxUint16 {
			n += 3
		} else {
			n += 5
		}
		n += u

	case AMFECMAArray:
		n += 5
		for _, kv := range val {
			n += lenAMF0Key(kv.Key)
			n += LenAMF0Val(kv.Value)
		}
		n += 3

	case AMFMap:
		n++
		for k, v := range val {
			if len(k) > 0 {
				n += lenAMF0Key(k)
				n += LenAMF0Val(v)
			}
		}
		n += 3

	case AMFArray:
		n += 5
		for _, v := range val {
			n += LenAMF0Val(v)
		}

	case time.Time:
		n += 1 + 8 + 2

	case bool:
		n += 2

	case nil:
		n++
	}

	return
}

func FillAMF0Val(b []byte, _val interface{}) (n int) {
	switch val := _val.(type) {
	case int8:
		n += fillAMF0Number(b[n:], float64(val))
	case int16:
		n += fillAMF0Number(b[n:], float64(val))
	case int32:
		n += fillAMF0Number(b[n:], float64(val))
	case int64:
		n += fillAMF0Number(b[n:], float64(val))
	case int:
		n += fillAMF0Number(b[n:], float64(val))
	case uint8:
		n += fillAMF0Number(b[n:], float64(val))
	case uint16:
		n += fillAMF0Number(b[n:], float64(val))
	case uint32:
		n += fillAMF0Number(b[n:], float64(val))
	case uint64:
		n += fillAMF0Number(b[n:], float64(val))
	case uint:
		n += fillAMF0Number(b[n:], float64(val))
	case float32:
		n += fillAMF0Number(b[n:], float64(val))
	case float64:
		n += fillAMF0Number(b[n:], val)

	case string:
		u := len(val)
		if u <= math.MaxUint16 {
			b[n] = stringmarker
			n++
			pio.PutU16BE(b[n:], uint16(u))
			n += 2
		} else {
			b[n] = longstringmarker
			n++
			pio.PutU32BE(b[n:], uint32(u))
			n += 4
		}
		n += copy(b[n:], val)

	case AMFECMAArray:
		b[n] = ecmaarraymarker
		n++
		pio.PutU32BE(b[n:], uint32(len(val)))
		n += 4
		for _, kv := range val {
			n += fillAMF0Key(b[n:], kv.Key)
			n += FillAMF0Val(b[n:], kv.Value)
		}
		pio.PutU24BE(b[n:], 0x000009)
		n += 3

	case AMFMap:
		b[n] = objectmarker
		n++
		for k, v := range val {
			if len(k) > 0 {
				n += fillAMF0Key(b[n:], k)
				n += FillAMF0Val(b[n:], v)
			}
		}
		pio.PutU24BE(b[n:], 0x000009)
		n += 3

	case AMFArray:
		b[n] = strictarraymarker
		n++
		pio.PutU32BE(b[n:], uint32(len(val)))
		n += 4
		for _, v := range val {
			n += FillAMF0Val(b[n:], v)
		}

	case time.Time:
		b[n] = datemarker
		n++
		f := float64(val.UnixNano() / int64(time.Millisecond))
		n += fillBEFloat64(b[n:], f)
		pio.PutU16BE(b[n:], uint16(0))
		n += 2

	case bool:
		b[n] = booleanmarker
		n++
		if val {
			b[n] = 1
		} else {
			b[n] = 0
		}
		n++

	case nil:
		b[n] = nullmarker
		n++
	}

	return
}

// MarshalAMF0Vals concatenates the encodings of vals, as in a script tag.
func MarshalAMF0Vals(vals ...interface{}) []byte {
	size := 0
	for _, v := range vals {
		size += LenAMF0Val(v)
	}
	b := make([]byte, size)
	n := 0
	for _, v := range vals {
		n += FillAMF0Val(b[n:], v)
	}
	return b
}

func ParseAMF0Vals(b []byte) (vals []interface{}, err error) {
	for offset := 0; offset < len(b); {
		var val interface{}
		var n int
		if val, n, err = parseAMF0Val(b[offset:], offset); err != nil {
			return
		}
		vals = append(vals, val)
		offset += n
	}
	return
}

func ParseAMF0Val(b []byte) (val interface{}, n int, err error) {
	return parseAMF0Val(b, 0)
}

// parseAMF0Props reads key/value pairs up to the empty key and end marker.
func parseAMF0Props(b []byte, offset int, what string, fn func(string, interface{})) (n int, err error) {
	for {
		if len(b) < n+2 {
			err = amf0ParseErr(what+".key.length", offset+n, err)
			return
		}
		length := int(pio.U16BE(b[n:]))
		n += 2
		if length == 0 {
			break
		}

		if len(b) < n+length {
			err = amf0ParseErr(what+".key.body", offset+n, err)
			return
		}
		okey := string(b[n : n+length])
		n += length

		var nval int
		var oval interface{}
		if oval, nval, err = parseAMF0Val(b[n:], offset+n); err != nil {
			err = amf0ParseErr(what+".val", offset+n, err)
			return
		}
		n += nval

		fn(okey, oval)
	}
	if len(b) < n+1 || b[n] != objectendmarker {
		err = amf0ParseErr(what+".end", offset+n, err)
		return
	}
	n++
	return
}

func parseAMF0Val(b []byte, offset int) (val interface{}, n int, err error) {
	if len(b) < n+1 {
		err = amf0ParseErr("marker", offset+n, err)
		return
	}
	marker := b[n]
	n++

	switch marker {
	case numbermarker:
		if len(b) < n+8 {
			err = amf0ParseErr("number", offset+n, err)
			return
		}
		val = parseBEFloat64(b[n:])
		n += 8

	case booleanmarker:
		if len(b) < n+1 {
			err = amf0ParseErr("boolean", offset+n, err)
			return
		}
		val = b[n] != 0
		n++

	case stringmarker:
		if len(b) < n+2 {
			err = amf0ParseErr("string.length", offset+n, err)
			return
		}
		length := int(pio.U16BE(b[n:]))
		n += 2

		if len(b) < n+length {
			err = amf0ParseErr("string.body", offset+n, err)
			return
		}
		val = string(b[n : n+length])
		n += length

	case objectmarker:
		obj := AMFMap{}
		var nprops int
		if nprops, err = parseAMF0Props(b[n:], offset+n, "object", func(k string, v interface{}) {
			obj[k] = v
		}); err != nil {
			return
		}
		n += nprops
		val = obj

	case nullmarker:
	case undefinedmarker:

	case ecmaarraymarker:
		if len(b) < n+4 {
			err = amf0ParseErr("array.count", offset+n, err)
			return
		}
		n += 4

		arr := AMFECMAArray{}
		var nprops int
		if nprops, err = parseAMF0Props(b[n:], offset+n, "array", func(k string, v interface{}) {
			arr = append(arr, AMFKV{Key: k, Value: v})
		}); err != nil {
			return
		}
		n += nprops
		val = arr

	case strictarraymarker:
		if len(b) < n+4 {
			err = amf0ParseErr("strictarray.count", offset+n, err)
			return
		}
		count := int(pio.U32BE(b[n:]))
		n += 4
		if count > len(b)-n {
			err = amf0ParseErr("strictarray.count", offset+n, err)
			return
		}

		obj := make(AMFArray, count)
		for i := 0; i < count; i++ {
			var nval int
			if obj[i], nval, err = parseAMF0Val(b[n:], offset+n); err != nil {
				err = amf0ParseErr("strictarray.val", offset+n, err)
				return
			}
			n += nval
		}
		val = obj

	case datemarker:
		if len(b) < n+8+2 {
			err = amf0ParseErr("date", offset+n, err)
			return
		}
		ts := parseBEFloat64(b[n:])
		n += 8 + 2

		val = time.UnixMilli(int64(ts))

	case longstringmarker:
		if len(b) < n+4 {
			err = amf0ParseErr("longstring.length", offset+n, err)
			return
		}
		length := int(pio.U32BE(b[n:]))
		n += 4

		if len(b) < n+length {
			err = amf0ParseErr("longstring.body", offset+n, err)
			return
		}
		val = string(b[n : n+length])
		n += length

	default:
		err = amf0ParseErr(fmt.Sprintf("invalidmarker=%d", marker), offset+n, err)
		return
	}

	return
}
