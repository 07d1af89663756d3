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
	"slices"
	"strconv"
	"strings"
	"time"
)

const DefaultMinNonceLength = 16

// forbiddenAttestationTags must never appear on an attestation. Attestations
// are broadcast publicly, so location and representative details stay off them
var forbiddenAttestationTags = []string{
	"address",
	"zip",
	"postal_code",
	"postcode",
	"rep",
	"representative",
	"rep_id",
	"rep_name",
	"office",
}

// knownTags lists the tags each variant consumes. Anything else on the event
// is passed through as extension data
var knownTags = map[Kind][]string{
	KindCampaign: {
		"d", "title", "category", "level", "alt",
		"published_at", "status", "image", "r",
	},
	KindCampaignUpdate: {"d", "alt", "status", "updated_at"},
	KindActionAttestation: {
		"e", "a", "campaign", "timestamp", "nonce", "alt", "rep_count",
	},
	KindComment:  {"a", "e", "p"},
	KindRepost:   {"a", "e", "p"},
	KindReaction: {"a", "e", "p"},
}

type ValidatorOptionFunc func(*Validator)

// WithMinNonceLength sets the minimum nonce length for attestations
func WithMinNonceLength(n int) ValidatorOptionFunc {
	return func(v *Validator) {
		v.minNonceLength = n
	}
}

// Validator classifies raw events into typed variants. It keeps no state
// and is safe for concurrent use
type Validator struct {
	minNonceLength int
}

func NewValidator(opts ...ValidatorOptionFunc) *Validator {
	v := &Validator{
		minNonceLength: DefaultMinNonceLength,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate classifies the event. Unknown kinds are not an error and come back
// as ClassUnrecognized. Every rejection matches ErrMalformed
func (v *Validator) Validate(evt *RawEvent) (Classified, error) {
	if evt == nil {
		return Classified{}, malformed(0, "nil event")
	}
	if evt.ID == "" {
		return Classified{}, malformed(evt.Kind, "missing event id")
	}
	if evt.PubKey == "" {
		return Classified{}, malformed(evt.Kind, "missing issuer key")
	}
	ret := Classified{
		Kind:    evt.Kind,
		EventID: evt.ID,
		Issuer:  evt.PubKey,
	}
	var err error
	switch evt.Kind {
	case KindCampaign:
		ret.Class = ClassCampaign
		ret.Campaign, err = v.campaign(evt)
	case KindCampaignUpdate:
		ret.Class = ClassCampaignUpdate
		ret.Update, err = v.campaignUpdate(evt)
	case KindActionAttestation:
		ret.Class = ClassActionAttestation
		ret.Attestation, err = v.attestation(evt)
	case KindComment, KindRepost, KindReaction:
		ret.Class = ClassSocialSignal
		ret.Signal, err = v.signal(evt)
	default:
		ret.Class = ClassUnrecognized
		ret.Extensions = evt.Tags
		return ret, nil
	}
	if err != nil {
		return Classified{}, err
	}
	ret.Extensions = extensions(evt)
	return ret, nil
}

func (v *Validator) campaign(evt *RawEvent) (*Campaign, error) {
	id, err := required(evt, "d")
	if err != nil {
		return nil, err
	}
	title, err := required(evt, "title")
	if err != nil {
		return nil, err
	}
	alt, err := required(evt, "alt")
	if err != nil {
		return nil, err
	}
	ret := &Campaign{
		ID:          id,
		EventID:     evt.ID,
		Creator:     evt.PubKey,
		Title:       title,
		Description: alt,
		Status:      StatusActive,
		CreatedAt:   time.Unix(evt.CreatedAt, 0).UTC(),
	}
	for _, val := range evt.All("category") {
		cat := Category(strings.ToLower(strings.TrimSpace(val)))
		if !cat.Valid() {
			return nil, malformed(evt.Kind, "unknown category %q", val)
		}
		if !slices.Contains(ret.Categories, cat) {
			ret.Categories = append(ret.Categories, cat)
		}
	}
	if len(ret.Categories) == 0 {
		return nil, malformed(evt.Kind, "at least one category is required")
	}
	for _, val := range evt.All("level") {
		level := TargetLevel(strings.ToLower(strings.TrimSpace(val)))
		if !level.Valid() {
			return nil, malformed(evt.Kind, "unknown target level %q", val)
		}
		if !slices.Contains(ret.Levels, level) {
			ret.Levels = append(ret.Levels, level)
		}
	}
	if len(ret.Levels) == 0 {
		return nil, malformed(evt.Kind, "at least one target level is required")
	}
	if val, ok := evt.First("published_at"); ok {
		ts, err := parseTimestamp(evt.Kind, "published_at", val)
		if err != nil {
			return nil, err
		}
		ret.CreatedAt = ts
	}
	if val, ok := evt.First("status"); ok {
		if _, err := parseStatus(evt.Kind, val); err != nil {
			return nil, err
		}
	}
	ret.UpdatedAt = ret.CreatedAt
	ret.Media = append(ret.Media, evt.All("image")...)
	ret.Media = append(ret.Media, evt.All("r")...)
	return ret, nil
}

// ValidateCampaign checks a campaign submitted directly rather than as a raw
// event. It enforces the same field rules as the raw form
func ValidateCampaign(c Campaign) error {
	switch {
	case c.ID == "":
		return malformed(KindCampaign, "missing campaign id")
	case c.Creator == "":
		return malformed(KindCampaign, "missing issuer key")
	case c.EventID == "":
		return malformed(KindCampaign, "missing event id")
	case c.Title == "":
		return malformed(KindCampaign, "missing tag \"title\"")
	case strings.TrimSpace(c.Description) == "":
		return malformed(KindCampaign, "missing description")
	case len(c.Categories) == 0:
		return malformed(KindCampaign, "at least one category is required")
	case len(c.Levels) == 0:
		return malformed(KindCampaign, "at least one target level is required")
	case c.Status != "" && !c.Status.Valid():
		return malformed(KindCampaign, "unknown status %q", c.Status)
	}
	for _, cat := range c.Categories {
		if !cat.Valid() {
			return malformed(KindCampaign, "unknown category %q", cat)
		}
	}
	for _, level := range c.Levels {
		if !level.Valid() {
			return malformed(KindCampaign, "unknown target level %q", level)
		}
	}
	return nil
}

// parseStatus accepts a status tag in any case with surrounding space
func parseStatus(kind Kind, val string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(val)))
	if !status.Valid() {
		return "", malformed(kind, "unknown status %q", val)
	}
	return status, nil
}

func (v *Validator) campaignUpdate(evt *RawEvent) (*CampaignUpdate, error) {
	id, err := required(evt, "d")
	if err != nil {
		return nil, err
	}
	alt, err := required(evt, "alt")
	if err != nil {
		return nil, err
	}
	ret := &CampaignUpdate{
		EventID:     evt.ID,
		CampaignID:  id,
		Issuer:      evt.PubKey,
		Description: alt,
		UpdatedAt:   time.Unix(evt.CreatedAt, 0).UTC(),
	}
	if val, ok := evt.First("status"); ok {
		status, err := parseStatus(evt.Kind, val)
		if err != nil {
			return nil, err
		}
		ret.Status = status
	}
	if val, ok := evt.First("updated_at"); ok {
		ts, err := parseTimestamp(evt.Kind, "updated_at", val)
		if err != nil {
			return nil, err
		}
		ret.UpdatedAt = ts
	}
	return ret, nil
}

func (v *Validator) attestation(evt *RawEvent) (*ActionAttestation, error) {
	for _, tag := range evt.Tags {
		if slices.Contains(forbiddenAttestationTags, strings.ToLower(tag.Name())) {
			return nil, malformed(
				evt.Kind,
				"tag %q is not permitted on attestations",
				tag.Name(),
			)
		}
	}
	campaignID, err := required(evt, "campaign")
	if err != nil {
		return nil, err
	}
	parentRef, ok := evt.First("a")
	if ok {
		addr, err := ParseAddress(parentRef)
		if err != nil {
			return nil, malformed(evt.Kind, "parent reference: %s", err)
		}
		if addr.ID != campaignID {
			return nil, malformed(
				evt.Kind,
				"parent reference %q does not match campaign %q",
				parentRef,
				campaignID,
			)
		}
	} else {
		parentRef, ok = evt.First("e")
		if !ok || parentRef == "" {
			return nil, malformed(evt.Kind, "missing parent campaign reference")
		}
	}
	tsVal, err := required(evt, "timestamp")
	if err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(evt.Kind, "timestamp", tsVal)
	if err != nil {
		return nil, err
	}
	nonce, err := required(evt, "nonce")
	if err != nil {
		return nil, err
	}
	if len(nonce) < v.minNonceLength {
		return nil, malformed(
			evt.Kind,
			"nonce length %d is below minimum %d",
			len(nonce),
			v.minNonceLength,
		)
	}
	if _, err := required(evt, "alt"); err != nil {
		return nil, err
	}
	ret := &ActionAttestation{
		EventID:    evt.ID,
		CampaignID: campaignID,
		ParentRef:  parentRef,
		Actor:      evt.PubKey,
		Nonce:      nonce,
		Timestamp:  ts,
	}
	if val, ok := evt.First("rep_count"); ok {
		count, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || count < 0 {
			return nil, malformed(
				evt.Kind,
				"rep_count %q is not a non-negative integer",
				val,
			)
		}
		ret.RepCount = &count
	}
	return ret, nil
}

func (v *Validator) signal(evt *RawEvent) (*SocialSignal, error) {
	ref, ok := evt.First("a")
	if !ok {
		return nil, malformed(evt.Kind, "missing campaign address")
	}
	addr, err := ParseAddress(ref)
	if err != nil {
		return nil, malformed(evt.Kind, "campaign address: %s", err)
	}
	ret := &SocialSignal{
		EventID:    evt.ID,
		CampaignID: addr.ID,
		Actor:      evt.PubKey,
		CreatedAt:  time.Unix(evt.CreatedAt, 0).UTC(),
	}
	switch evt.Kind {
	case KindRepost:
		ret.Type = SignalShare
	case KindReaction:
		ret.Type = SignalReaction
	default:
		ret.Type = SignalComment
	}
	return ret, nil
}

// Address is a campaign reference in the form "31100:<creator key>:<id>"
type Address struct {
	Kind    Kind
	Creator string
	ID      string
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%s:%s", a.Kind, a.Creator, a.ID)
}

// ParseAddress parses a campaign address reference
func ParseAddress(ref string) (Address, error) {
	parts := strings.SplitN(ref, ":", 3)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("invalid address %q", ref)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || Kind(kind) != KindCampaign {
		return Address{}, fmt.Errorf("address %q does not reference a campaign", ref)
	}
	if parts[1] == "" || parts[2] == "" {
		return Address{}, fmt.Errorf("incomplete address %q", ref)
	}
	return Address{
		Kind:    KindCampaign,
		Creator: parts[1],
		ID:      parts[2],
	}, nil
}

func required(evt *RawEvent, name string) (string, error) {
	val, ok := evt.First(name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", malformed(evt.Kind, "missing required tag %q", name)
	}
	return val, nil
}

func parseTimestamp(kind Kind, name string, val string) (time.Time, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil || ts < 0 {
		return time.Time{}, malformed(kind, "%s %q is not a unix timestamp", name, val)
	}
	return time.Unix(ts, 0).UTC(), nil
}

func extensions(evt *RawEvent) []Tag {
	known := knownTags[evt.Kind]
	var ret []Tag
	for _, tag := range evt.Tags {
		if !slices.Contains(known, tag.Name()) {
			ret = append(ret, tag)
		}
	}
	return ret
}
