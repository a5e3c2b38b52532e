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

// Package fn resolves registered functions to stable names. Histories
// record function names, not pointers, so the name extracted here must be
// identical on every worker that registers the same function.
package fn

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// FullName returns the fully qualified name of fn, e.g.
// "github.com/acme/orders/flows.ProcessOrder".
func FullName(f any) (string, error) {
	v := reflect.ValueOf(f)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return "", fmt.Errorf("fn: expected a function, got %T", f)
	}
	if v.IsNil() {
		return "", fmt.Errorf("fn: nil function")
	}

	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "", fmt.Errorf("fn: cannot resolve function name")
	}

	name := rf.Name()
	// Method values carry a -fm suffix; bound and unbound forms must map
	// to the same history name.
	name = strings.TrimSuffix(name, "-fm")
	return name, nil
}

// ErrorInterface is the reflect.Type of the error interface.
var ErrorInterface = reflect.TypeOf((*error)(nil)).Elem()

// ReturnsErrorLast reports whether the function's final return value is an
// error.
func ReturnsErrorLast(t reflect.Type) bool {
	return t.NumOut() > 0 && t.Out(t.NumOut()-1).Implements(ErrorInterface)
}
