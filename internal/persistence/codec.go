package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/stepflow/pkg/api"
)

// EncodeValue serializes v using encoding/gob.
func EncodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data produced by EncodeValue. Empty input yields
// the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// definitionPayload holds the type-specific parts of a step definition.
type definitionPayload struct {
	Mail     *api.MailPayload
	Activity *api.ActivityPayload
	Action   *api.ActionPayload
}

func encodeDefinitionPayload(d api.StepDefinition) ([]byte, error) {
	return EncodeValue(definitionPayload{Mail: d.Mail, Activity: d.Activity, Action: d.Action})
}

func decodeDefinitionPayload(data []byte, d *api.StepDefinition) error {
	p, err := DecodeValue[definitionPayload](data)
	if err != nil {
		return err
	}
	d.Mail, d.Activity, d.Action = p.Mail, p.Activity, p.Action
	return nil
}
