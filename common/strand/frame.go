package strand

import (
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/goccy/go-json"
)

// Frame is one level of a strand's call stack: an ordered set of named parameters.
//
// Values survive a round trip through storage as JSON, so numbers come back as float64. Use the typed getters.
type Frame struct {
	params *orderedmap.OrderedMap[string, interface{}]
}

func NewFrame() *Frame {
	return &Frame{
		params: orderedmap.NewOrderedMap[string, interface{}](),
	}
}

// FrameOf builds a frame from alternating keys and values. It panics on an odd number of arguments or a non-string
// key.
func FrameOf(keysAndValues ...interface{}) *Frame {
	if len(keysAndValues)%2 != 0 {
		panic("FrameOf requires an even number of arguments")
	}

	frame := NewFrame()
	for i := 0; i < len(keysAndValues); i += 2 {
		frame.Set(keysAndValues[i].(string), keysAndValues[i+1])
	}

	return frame
}

func (f *Frame) Set(key string, value interface{}) {
	f.params.Set(key, value)
}

func (f *Frame) Get(key string) (interface{}, bool) {
	return f.params.Get(key)
}

func (f *Frame) Delete(key string) {
	f.params.Delete(key)
}

func (f *Frame) Len() int {
	return f.params.Len()
}

// Keys returns the parameter names in insertion order.
func (f *Frame) Keys() []string {
	keys := make([]string, 0, f.params.Len())
	for el := f.params.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}

	return keys
}

func (f *Frame) GetString(key string) (string, bool) {
	value, ok := f.params.Get(key)
	if !ok {
		return "", false
	}

	str, ok := value.(string)
	return str, ok
}

func (f *Frame) GetInt(key string) (int, bool) {
	value, ok := f.params.Get(key)
	if !ok {
		return 0, false
	}

	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func (f *Frame) GetBool(key string) (bool, bool) {
	value, ok := f.params.Get(key)
	if !ok {
		return false, false
	}

	b, ok := value.(bool)
	return b, ok
}

func (f *Frame) String() string {
	encoded, err := json.Marshal(f.entries())
	if err != nil {
		return fmt.Sprintf("Frame[%v]", f.Keys())
	}

	return string(encoded)
}

// frameEntry is the stored form of one parameter. Frames are stored as arrays of entries so that the parameter
// order survives the round trip.
type frameEntry struct {
	Key   string      `json:"k"`
	Value interface{} `json:"v"`
}

func (f *Frame) entries() []frameEntry {
	entries := make([]frameEntry, 0, f.params.Len())
	for el := f.params.Front(); el != nil; el = el.Next() {
		entries = append(entries, frameEntry{Key: el.Key, Value: el.Value})
	}

	return entries
}

// EncodeStack serializes a call stack, innermost frame first.
func EncodeStack(stack []*Frame) (string, error) {
	encoded := make([][]frameEntry, 0, len(stack))
	for _, frame := range stack {
		encoded = append(encoded, frame.entries())
	}

	data, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidStack, err)
	}

	return string(data), nil
}

func DecodeStack(data string) ([]*Frame, error) {
	if data == "" {
		return []*Frame{NewFrame()}, nil
	}

	var decoded [][]frameEntry
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStack, err)
	}

	stack := make([]*Frame, 0, len(decoded))
	for _, entries := range decoded {
		frame := NewFrame()
		for _, entry := range entries {
			frame.Set(entry.Key, entry.Value)
		}

		stack = append(stack, frame)
	}

	if len(stack) == 0 {
		stack = append(stack, NewFrame())
	}

	return stack, nil
}
