package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// JobFromStruct decodes a job record.
func JobFromStruct(s *structpb.Struct) (*types.Job, error) {
	var job types.Job
	if err := fromStruct(s, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// submitRequest is the SubmitBatch payload.
type submitRequest struct {
	Records     string              `json:"records"`
	Description string              `json:"description,omitempty"`
	Config      *types.SubmitConfig `json:"config,omitempty"`
}

type listRequest struct {
	States []types.JobState `json:"states,omitempty"`
}

type listResponse struct {
	Jobs []*types.Job `json:"jobs"`
}

// RetrieveResult is the RetrieveJob payload.
type RetrieveResult struct {
	Job          *types.Job         `json:"job,omitempty"`
	NoNewWork    bool               `json:"no_new_work"`
	Reason       string             `json:"reason,omitempty"`
	Ref          string             `json:"ref,omitempty"`
	Completeness types.Completeness `json:"completeness,omitempty"`
	Succeeded    int                `json:"succeeded"`
	Failed       int                `json:"failed"`
	Missing      int                `json:"missing"`
	Results      string             `json:"results,omitempty"`
	Truncated    bool               `json:"truncated,omitempty"`
}
