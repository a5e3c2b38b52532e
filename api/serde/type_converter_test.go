// Copyright 2025 The Everflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serde

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payment struct {
	ID     string  `msgpack:"id"`
	Amount float64 `msgpack:"amount"`
}

func TestConvertToType_ExactAndConvertible(t *testing.T) {
	tc := NewTypeConverter(&MsgpackSerde{})

	v, err := tc.ConvertToType("hello", reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Interface())

	v, err = tc.ConvertToType(int64(7), reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.Interface())
}

func TestConvertToType_RejectsLossyFloat(t *testing.T) {
	tc := NewTypeConverter(&MsgpackSerde{})

	_, err := tc.ConvertToType(1.5, reflect.TypeOf(int(0)))
	assert.Error(t, err)

	v, err := tc.ConvertToType(2.0, reflect.TypeOf(int(0)))
	require.NoError(t, err)
	assert.Equal(t, 2, v.Interface())
}

func TestConvertToType_StructViaSerializer(t *testing.T) {
	tc := NewTypeConverter(&MsgpackSerde{})

	// Decoded payloads arrive as loose maps; conversion round-trips them
	// through the codec into the registered parameter type.
	loose := map[string]any{"id": "pay-1", "amount": 12.5}
	v, err := tc.ConvertToType(loose, reflect.TypeOf(payment{}))
	require.NoError(t, err)

	p := v.Interface().(payment)
	assert.Equal(t, "pay-1", p.ID)
	assert.Equal(t, 12.5, p.Amount)
}

func TestConvertToType_NilYieldsZero(t *testing.T) {
	tc := NewTypeConverter(&MsgpackSerde{})

	v, err := tc.ConvertToType(nil, reflect.TypeOf(payment{}))
	require.NoError(t, err)
	assert.Equal(t, payment{}, v.Interface())
}

func TestConvertSlice(t *testing.T) {
	tc := NewTypeConverter(&MsgpackSerde{})

	vals, err := tc.ConvertSlice([]any{"a", "b"}, reflect.TypeOf(""))
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "a", vals[0].Interface())
	assert.Equal(t, "b", vals[1].Interface())
}

func TestSerde_RoundTrip(t *testing.T) {
	for _, codec := range []BinarySerde{&MsgpackSerde{}, &JSONSerde{}} {
		data, err := codec.SerializeBinary(payment{ID: "p", Amount: 3})
		require.NoError(t, err)

		var out payment
		require.NoError(t, codec.DeserializeBinary(data, &out))
		assert.Equal(t, payment{ID: "p", Amount: 3}, out)
	}
}
