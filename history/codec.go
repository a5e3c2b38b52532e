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

package history

import (
	"fmt"

	"github.com/everflow-io/everflow/api"
	"github.com/everflow-io/everflow/api/serde"
)

// encodeEvent serializes an event body for persistence and returns its
// wire name.
func encodeEvent(codec serde.BinarySerde, e api.WorkflowEvent) (name string, data []byte, err error) {
	data, err = codec.SerializeBinary(e)
	if err != nil {
		return "", nil, fmt.Errorf("encode event %s: %w", e.EventName(), err)
	}
	return e.EventName(), data, nil
}

// decodeEvent reconstructs an event body from its wire name and payload.
func decodeEvent(codec serde.BinarySerde, name string, data []byte) (api.WorkflowEvent, error) {
	factory, ok := api.EventFunc(name)
	if !ok {
		return nil, fmt.Errorf("unknown event name %q", name)
	}
	e := factory()
	if err := codec.DeserializeBinary(data, e); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", name, err)
	}
	return e, nil
}
