// Package ingest turns uploaded reference documents into searchable
// evidence passages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/store"
)

const MaxDocumentBytes = 10 << 20

var (
	ErrEmptyDocument   = errors.New("document is empty")
	ErrUnsupportedType = errors.New("only UTF-8 text documents are supported")
	ErrTooLarge        = errors.New("document exceeds size limit")
	ErrMissingFilename = errors.New("filename is required")
)

type DocumentStore interface {
	InsertDocument(ctx context.Context, doc store.Document, chunks []store.Chunk) error
}

// Indexer receives new passages. Indexing failures are the indexer's to log.
type Indexer interface {
	IndexChunks(chunks []search.ChunkRecord)
}

type Input struct {
	Filename   string
	GroupID    string
	UploadedBy string
	Content    []byte
}

type Result struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	Chunks     int    `json:"chunks"`
}

type Service struct {
	objects   ObjectStore
	documents DocumentStore
	index     Indexer
	sink      notify.Sink
	onIngest  func()
	logger    *zap.Logger
}

// NewService wires ingestion. objects, index, sink and onIngest may be nil.
func NewService(objects ObjectStore, documents DocumentStore, index Indexer, sink notify.Sink, onIngest func(), logger *zap.Logger) *Service {
	if sink == nil {
		sink = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		objects:   objects,
		documents: documents,
		index:     index,
		sink:      sink,
		onIngest:  onIngest,
		logger:    logger.Named("ingest"),
	}
}

// Ingest stores the raw document, persists its passages and indexes them.
// The relational write is authoritative; search indexing is best effort.
func (s *Service) Ingest(ctx context.Context, in Input) (Result, error) {
	filename := path.Base(strings.TrimSpace(in.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return Result{}, ErrMissingFilename
	}
	if len(in.Content) > MaxDocumentBytes {
		return Result{}, ErrTooLarge
	}
	contentType := http.DetectContentType(in.Content)
	if !utf8.Valid(in.Content) || !strings.HasPrefix(contentType, "text/") {
		return Result{}, ErrUnsupportedType
	}
	passages := Split(string(in.Content), DefaultChunkSize, DefaultChunkOverlap)
	if len(passages) == 0 {
		return Result{}, ErrEmptyDocument
	}

	docID := uuid.NewString()
	objectKey := "documents/" + docID + "/" + filename
	if s.objects != nil {
		if err := s.objects.PutObject(ctx, objectKey, in.Content, contentType); err != nil {
			return Result{}, fmt.Errorf("store document: %w", err)
		}
	}

	chunks := make([]store.Chunk, 0, len(passages))
	records := make([]search.ChunkRecord, 0, len(passages))
	for i, content := range passages {
		chunkID := fmt.Sprintf("%s-%d", docID, i)
		chunks = append(chunks, store.Chunk{ID: chunkID, DocumentID: docID, Seq: i, Content: content, Source: filename})
		records = append(records, search.ChunkRecord{
			ID:         chunkID,
			DocumentID: docID,
			GroupID:    in.GroupID,
			Seq:        i,
			Source:     filename,
			Content:    content,
		})
	}
	doc := store.Document{
		ID:         docID,
		Filename:   filename,
		ObjectKey:  objectKey,
		GroupID:    in.GroupID,
		UploadedBy: in.UploadedBy,
		SizeBytes:  int64(len(in.Content)),
	}
	if err := s.documents.InsertDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("save document: %w", err)
	}

	if s.index != nil {
		s.index.IndexChunks(records)
	}
	if s.onIngest != nil {
		s.onIngest()
	}
	s.logger.Info("document ingested",
		zap.String("document_id", docID),
		zap.String("filename", filename),
		zap.Int("chunks", len(chunks)),
		zap.Int64("bytes", doc.SizeBytes))
	s.sink.Broadcast(ctx, notify.NewEvent(notify.EventDocumentIngested, in.GroupID, notify.DocumentPayload{
		DocumentID: docID,
		Filename:   filename,
		Chunks:     len(chunks),
	}))
	return Result{DocumentID: docID, Filename: filename, Chunks: len(chunks)}, nil
}
