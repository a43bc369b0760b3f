package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meetscribe/transcriber/domain/entities"
	"github.com/meetscribe/transcriber/domain/repositories"
)

const transcriptsCollection = "transcripts"

// TranscriptRepository applies checkpoints to transcript documents
type TranscriptRepository struct {
	collection *mongo.Collection
}

// Ensure TranscriptRepository implements the CheckpointSink interface
var _ repositories.CheckpointSink = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates a new MongoDB transcript repository
func NewTranscriptRepository(db *mongo.Database) *TranscriptRepository {
	return &TranscriptRepository{
		collection: db.Collection(transcriptsCollection),
	}
}

// Name implements repositories.CheckpointSink
func (r *TranscriptRepository) Name() string { return "mongo" }

// AllocateDocumentID mints an ObjectID so documents sort by creation time
func (r *TranscriptRepository) AllocateDocumentID() string {
	return primitive.NewObjectID().Hex()
}

// Deliver upserts the document named by the checkpoint. Every kind is an
// upsert so replays of an already applied checkpoint are harmless.
func (r *TranscriptRepository) Deliver(ctx context.Context, cp entities.Checkpoint) error {
	if cp.DocumentID == "" {
		return errors.New("checkpoint has no document id")
	}

	filter := bson.M{"_id": documentKey(cp.DocumentID)}
	set := bson.M{
		"uid":       cp.UserID,
		"meetingId": cp.MeetingID,
	}
	setOnInsert := bson.M{}

	switch cp.Kind {
	case entities.CheckpointInit:
		set["startTime"] = cp.Timestamp
		setOnInsert["status"] = "recording"
		setOnInsert["transcript"] = ""
	case entities.CheckpointUpdate:
		set["transcript"] = cp.Transcript
		set["lastUpdated"] = cp.Timestamp
		setOnInsert["status"] = "recording"
	case entities.CheckpointFinalize:
		set["transcript"] = cp.Transcript
		set["endTime"] = cp.Timestamp
		set["wordCount"] = cp.WordCount
		set["status"] = "completed"
	default:
		return fmt.Errorf("unknown checkpoint kind %q", cp.Kind)
	}

	update := bson.M{"$set": set}
	if len(setOnInsert) > 0 {
		update["$setOnInsert"] = setOnInsert
	}

	if cp.Kind == entities.CheckpointInit {
		// a late Init must not reopen a completed document
		filter["status"] = bson.M{"$ne": "completed"}
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if cp.Kind == entities.CheckpointInit && mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to apply %s: %w", cp.Kind, err)
	}
	return nil
}

// GetByDocumentID returns the stored transcript document
func (r *TranscriptRepository) GetByDocumentID(ctx context.Context, docID string) (bson.M, error) {
	var doc bson.M
	err := r.collection.FindOne(ctx, bson.M{"_id": documentKey(docID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return doc, nil
}

// documentKey stores ObjectID-shaped ids natively and anything else as a string
func documentKey(docID string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(docID); err == nil {
		return oid
	}
	return docID
}
