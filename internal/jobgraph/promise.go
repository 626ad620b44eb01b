package jobgraph

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/slchris/flowgraph/internal/jobstore"
)

// Promise is a lazy reference to a future return value. Authoring Rv/RvAt
// on a Job returns one; it carries no placeholder file until it is
// allocated during serialization (allocate), so promises that are never
// consumed never cost a job-store file.
type Promise struct {
	owner *Job
	whole bool
	index int
}

// allocate lazily creates an empty placeholder file in the job store and
// records its ID in the owning job's rvs set, keyed by this promise's
// slot. Called once per promise during the serialization pass (§4.3); safe
// to call more than once for the same Promise value, since each call is a
// distinct reference needing its own placeholder.
func (p *Promise) allocate() (string, error) {
	if p.owner.promiseJobStore == nil {
		return "", newPromiseMisuse("promise for job %q allocated outside a valid predecessor/successor serialization pass", p.owner.Name)
	}

	id, err := p.owner.promiseJobStore.GetEmptyFileStoreID("")
	if err != nil {
		return "", err
	}

	key := rvKey{whole: p.whole, index: p.index}
	p.owner.rvs[key] = append(p.owner.rvs[key], id)
	return id, nil
}

// PromiseRef is what a Promise becomes once pickled: a plain reference to
// the job-store file that will hold the resolved value.
type PromiseRef struct {
	FileID string
}

// DeletionSink receives file IDs a worker should delete once its current
// job's commit succeeds. filestore.Context implements this method set
// structurally; jobgraph never imports filestore.
type DeletionSink interface {
	MarkFileForDeletion(fileID string)
}

// Resolve dereferences a PromiseRef: it reads and gob-decodes the pickled
// value from the recorded placeholder file, and marks the file ID for
// deletion once the consuming job's commit succeeds (unless the consumer
// is itself a checkpoint job, which retains the file for replay — the
// caller is responsible for skipping the delete-marking in that case).
//
// Failure to open the file means a consumer ran before the producer wrote
// the placeholder: a protocol violation, fatal for the consumer.
func Resolve(store jobstore.Store, ref PromiseRef, sink DeletionSink) (interface{}, error) {
	r, err := store.ReadFileStream(ref.FileID)
	if err != nil {
		return nil, newPromiseMisuse("promise file %s unreadable (consumer ran before producer wrote its value): %v", ref.FileID, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newPromiseMisuse("promise file %s: read error: %v", ref.FileID, err)
	}

	var value interface{}
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
			return nil, newPromiseMisuse("promise file %s: decode error: %v", ref.FileID, err)
		}
	}

	if sink != nil {
		sink.MarkFileForDeletion(ref.FileID)
	}
	return value, nil
}

// WritePromiseValue gob-encodes value into the placeholder file fileID,
// materializing the promises any already-pickled successor holds for this
// return slot.
func WritePromiseValue(store jobstore.Store, fileID string, value interface{}) error {
	w, err := store.UpdateFileStream(fileID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		_ = w.Close()
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
