package localfs

import (
	"encoding/json"

	"github.com/slchris/flowgraph/internal/jobstore"
)

// wireWrapper mirrors jobstore.JobWrapper for JSON persistence. The store
// keeps wrapper records as JSON (rather than gob, which is reserved for
// job-body payloads in internal/jobgraph) since wrappers are small,
// human-inspectable metadata records, matching the teacher's convention of
// JSON wire types for anything an operator might want to read off disk.
type wireWrapper struct {
	ID                      string                    `json:"id"`
	Command                 string                    `json:"command"`
	Resources               jobstore.ResourceRequest  `json:"resources"`
	PredecessorNumber       int                       `json:"predecessorNumber"`
	Stack                   [][]jobstore.SuccessorTuple `json:"stack"`
	Services                [][]jobstore.ServiceTuple   `json:"services"`
	FilesToDelete           []string                  `json:"filesToDelete"`
	CheckpointFilesToDelete []string                  `json:"checkpointFilesToDelete"`
	StartJobStoreID         string                    `json:"startJobStoreID,omitempty"`
	TerminateJobStoreID     string                    `json:"terminateJobStoreID,omitempty"`
	ErrorJobStoreID         string                    `json:"errorJobStoreID,omitempty"`
}

func encodeWrapper(w *jobstore.JobWrapper) ([]byte, error) {
	wire := wireWrapper{
		ID:                      w.ID,
		Command:                 w.Command,
		Resources:               w.Resources,
		PredecessorNumber:       w.PredecessorNumber,
		Stack:                   w.Stack,
		Services:                w.Services,
		FilesToDelete:           w.FilesToDelete,
		CheckpointFilesToDelete: w.CheckpointFilesToDelete,
		StartJobStoreID:         w.StartJobStoreID,
		TerminateJobStoreID:     w.TerminateJobStoreID,
		ErrorJobStoreID:         w.ErrorJobStoreID,
	}
	return json.MarshalIndent(wire, "", "  ")
}

func decodeWrapper(data []byte) (*jobstore.JobWrapper, error) {
	var wire wireWrapper
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &jobstore.JobWrapper{
		ID:                      wire.ID,
		Command:                 wire.Command,
		Resources:               wire.Resources,
		PredecessorNumber:       wire.PredecessorNumber,
		Stack:                   wire.Stack,
		Services:                wire.Services,
		FilesToDelete:           wire.FilesToDelete,
		CheckpointFilesToDelete: wire.CheckpointFilesToDelete,
		StartJobStoreID:         wire.StartJobStoreID,
		TerminateJobStoreID:     wire.TerminateJobStoreID,
		ErrorJobStoreID:         wire.ErrorJobStoreID,
	}, nil
}
