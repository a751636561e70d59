package capture

import "encoding/json"

// MarshalSample serialises a CanonicalSample to JSON.
func MarshalSample(s *CanonicalSample) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSample deserialises a CanonicalSample from JSON.
func UnmarshalSample(data []byte) (*CanonicalSample, error) {
	var s CanonicalSample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalResult serialises a Result to JSON.
func MarshalResult(r *Result) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult deserialises a Result from JSON.
func UnmarshalResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarshalPayload serialises a ConversationPayload to JSON.
func MarshalPayload(p *ConversationPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload deserialises a ConversationPayload from JSON.
func UnmarshalPayload(data []byte) (*ConversationPayload, error) {
	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
