package queue

const (
	TypeChunkProcess = "chunk:process"
	TypeChangeDetect = "changes:detect"
	TypeReplaySweep  = "replay:sweep"
)

type ChunkProcessPayload struct {
	ChunkID   string `json:"chunk_id"`
	VersionID string `json:"version_id"`
	Language  string `json:"language"`
}

type ChangeDetectPayload struct {
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
}
