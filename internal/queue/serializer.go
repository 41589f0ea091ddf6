package queue

import (
	"encoding/json"
	"fmt"
)

// Serializer converts events to and from their stored payload form.
type Serializer interface {
	Marshal(ev Event) ([]byte, error)
	Unmarshal(data []byte) (Event, error)
}

// JSONSerializer is the default Serializer, matching the .json item suffix.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

func (JSONSerializer) Unmarshal(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}
