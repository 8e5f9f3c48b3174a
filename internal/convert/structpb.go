// Package convert maps between structpb messages and the dispatcher's
// params and envelopes.
package convert

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/kilnkeeper/internal/dispatch"
	"github.com/and161185/kilnkeeper/internal/params"
)

// FromProtoParams decodes request parameters. A nil struct is an empty body.
func FromProtoParams(s *structpb.Struct) params.Params {
	if s == nil {
		return params.Params{}
	}
	return params.Params(s.AsMap())
}

// ToProtoParams encodes request parameters.
func ToProtoParams(p params.Params) (*structpb.Struct, error) {
	if p == nil {
		p = params.Params{}
	}
	s, err := structpb.NewStruct(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return s, nil
}

// ToProtoEnvelope encodes a response envelope. Values pass through JSON so
// typed details (ints, slices) become plain structpb values.
func ToProtoEnvelope(env dispatch.Envelope) (*structpb.Struct, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return s, nil
}

// FromProtoEnvelope decodes a response envelope.
func FromProtoEnvelope(s *structpb.Struct) (dispatch.Envelope, error) {
	var env dispatch.Envelope
	if s == nil {
		return env, fmt.Errorf("nil envelope")
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
