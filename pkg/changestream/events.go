package changestream

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type OperationType string

const (
	OperationInsert       OperationType = "insert"
	OperationUpdate       OperationType = "update"
	OperationReplace      OperationType = "replace"
	OperationDelete       OperationType = "delete"
	OperationDrop         OperationType = "drop"
	OperationRename       OperationType = "rename"
	OperationDropDatabase OperationType = "dropDatabase"
	OperationInvalidate   OperationType = "invalidate"
)

type Namespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll,omitempty"`
}

func (namespace *Namespace) GetFullName() string {
	return fmt.Sprintf("%v.%v", namespace.Database, namespace.Collection)
}

func MakeNamespace(database, collection string) Namespace {
	return Namespace{
		Database:   database,
		Collection: collection,
	}
}

type TruncatedArray struct {
	Field   string `bson:"field"`
	NewSize int    `bson:"newSize"`
}

type UpdateDescription struct {
	UpdatedFields   bson.Raw         `bson:"updatedFields,omitempty"`
	RemovedFields   []string         `bson:"removedFields,omitempty"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty"`
}

// ChangeEvent is one server-emitted change document. The operation type
// discriminates which of the optional fields are present: document operations
// (insert, update, replace, delete) carry ns and documentKey; insert and
// replace carry fullDocument; update carries updateDescription and, when
// lookup is enabled, fullDocument; drop and rename carry ns, rename also to;
// dropDatabase carries ns with db only; invalidate carries common fields only.
type ChangeEvent struct {
	ID                bson.Raw             `bson:"_id"`
	OperationType     OperationType        `bson:"operationType"`
	ClusterTime       *primitive.Timestamp `bson:"clusterTime,omitempty"`
	TxnNumber         *int64               `bson:"txnNumber,omitempty"`
	LSID              bson.Raw             `bson:"lsid,omitempty"`
	Namespace         *Namespace           `bson:"ns,omitempty"`
	To                *Namespace           `bson:"to,omitempty"`
	DocumentKey       bson.Raw             `bson:"documentKey,omitempty"`
	FullDocument      bson.Raw             `bson:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription   `bson:"updateDescription,omitempty"`
}

// ResumeToken returns the opaque token anchoring this event, nil when the
// document violated the protocol and carried none.
func (e *ChangeEvent) ResumeToken() bson.Raw {
	if e == nil || len(e.ID) == 0 {
		return nil
	}
	return e.ID
}

// IsDocumentOperation reports whether the event describes a single-document
// mutation and therefore carries ns and documentKey.
func (e *ChangeEvent) IsDocumentOperation() bool {
	switch e.OperationType {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return true
	default:
		return false
	}
}

func decodeChangeEvent(doc bson.Raw) (*ChangeEvent, error) {
	var event ChangeEvent
	if err := bson.Unmarshal(doc, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
