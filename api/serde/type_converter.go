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
	"fmt"
	"reflect"
)

// TypeConverter converts decoded payload values (typically map[string]any
// or loosely-typed numbers) into the concrete parameter types of registered
// workflow and activity functions. It round-trips through the configured
// BinarySerde, so the conversion rules follow the wire format instead of
// assuming JSON semantics.
type TypeConverter struct {
	serde BinarySerde
}

func NewTypeConverter(s BinarySerde) *TypeConverter {
	return &TypeConverter{serde: s}
}

// ConvertToType converts value into targetType.
func (tc *TypeConverter) ConvertToType(value any, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}

	valueType := reflect.TypeOf(value)
	if valueType == targetType {
		return reflect.ValueOf(value), nil
	}

	if valueType.ConvertibleTo(targetType) {
		// Numeric widening/narrowing needs a precision check; everything
		// else convertible is safe to convert directly.
		if isNumericKind(valueType.Kind()) && isNumericKind(targetType.Kind()) {
			return convertNumeric(value, valueType, targetType)
		}
		return reflect.ValueOf(value).Convert(targetType), nil
	}

	return tc.convertViaSerializer(value, targetType)
}

// ConvertSlice converts each element of values into targetElemType.
func (tc *TypeConverter) ConvertSlice(values []any, targetElemType reflect.Type) ([]reflect.Value, error) {
	result := make([]reflect.Value, len(values))
	for i, val := range values {
		converted, err := tc.ConvertToType(val, targetElemType)
		if err != nil {
			return nil, fmt.Errorf("failed to convert element %d: %w", i, err)
		}
		result[i] = converted
	}
	return result, nil
}

func convertNumeric(value any, valueType, targetType reflect.Type) (reflect.Value, error) {
	// Float to int shows up after a JSON round-trip; reject it when the
	// fraction would be dropped.
	if (valueType.Kind() == reflect.Float64 || valueType.Kind() == reflect.Float32) && isIntegerKind(targetType.Kind()) {
		floatVal := reflect.ValueOf(value).Float()
		intVal := int64(floatVal)
		if float64(intVal) != floatVal {
			return reflect.Value{}, fmt.Errorf("cannot convert %v to %v without losing precision", floatVal, targetType)
		}
		return reflect.ValueOf(intVal).Convert(targetType), nil
	}

	return reflect.ValueOf(value).Convert(targetType), nil
}

// convertViaSerializer round-trips complex values (structs, maps) through
// the configured serializer into the target type.
func (tc *TypeConverter) convertViaSerializer(value any, targetType reflect.Type) (reflect.Value, error) {
	data, err := tc.serde.SerializeBinary(value)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("failed to serialize value for type conversion: %w", err)
	}

	var targetValue reflect.Value
	if targetType.Kind() == reflect.Ptr {
		targetValue = reflect.New(targetType.Elem())
	} else {
		targetValue = reflect.New(targetType)
	}

	if err := tc.serde.DeserializeBinary(data, targetValue.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to deserialize value to target type: %w", err)
	}

	if targetType.Kind() != reflect.Ptr {
		return targetValue.Elem(), nil
	}
	return targetValue, nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
