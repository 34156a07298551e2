package queue

import (
	"github.com/hibiken/asynq"
)

// Handlers bundles the task handlers a worker process serves.
type Handlers struct {
	ChunkProcess asynq.Handler
	ChangeDetect asynq.Handler
	ReplaySweep  asynq.Handler
}

func (h Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeChunkProcess, h.ChunkProcess)
	mux.Handle(TypeChangeDetect, h.ChangeDetect)
	mux.Handle(TypeReplaySweep, h.ReplaySweep)
	return mux
}
