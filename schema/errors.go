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
	"errors"
	"fmt"
)

// ErrMalformed is matched by every validation failure
var ErrMalformed = errors.New("malformed event")

// MalformedError describes why an event was rejected
type MalformedError struct {
	Kind   Kind
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Kind == 0 {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(kind Kind, format string, args ...any) error {
	return &MalformedError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
	}
}
