// Copyright 2025 Blink Labs Software
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

package schema

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tag is a single event tag. The first element is the tag name
type Tag []string

// Name returns the tag name, or an empty string for an empty tag
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first tag value, or an empty string if there is none
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// RawEvent is a signed event as delivered by a relay. Signature verification
// happens upstream, so Sig is carried but never checked here
type RawEvent struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// ParseRawEvent decodes a raw event from its JSON wire form
func ParseRawEvent(data []byte) (*RawEvent, error) {
	var evt RawEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, &MalformedError{
			Reason: fmt.Sprintf("decode event: %s", err),
		}
	}
	return &evt, nil
}

// Marshal encodes the event back to its JSON wire form
func (e *RawEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// First returns the first value of the named tag
func (e *RawEvent) First(name string) (string, bool) {
	for _, tag := range e.Tags {
		if tag.Name() == name && len(tag) >= 2 {
			return tag[1], true
		}
	}
	return "", false
}

// All returns every value of the named tag, in event order
func (e *RawEvent) All(name string) []string {
	var ret []string
	for _, tag := range e.Tags {
		if tag.Name() == name && len(tag) >= 2 {
			ret = append(ret, tag[1])
		}
	}
	return ret
}
