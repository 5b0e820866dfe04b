// Package directory stores the public-key directory the relay serves:
// hid -> public keys, so peers can verify chain entries and compute
// HIDs for identities they have never met. Public material only.
package directory

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"balancechain/internal/identity"
)

type (
	Record struct {
		Hid       string             `bson:"hid" json:"hid"`
		Hik       string             `bson:"hik" json:"hik"`
		PubJwk    identity.PublicJWK `bson:"pubJwk" json:"pubJwk"`
		DhJwk     identity.PublicJWK `bson:"dhJwk" json:"dhJwk"`
		UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
	}

	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("keys"),
	}
}

func (r *Repo) GetByHid(ctx context.Context, hid string) (*Record, error) {
	filter := bson.M{
		"hid": hid,
	}

	var rec Record
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *Repo) Upsert(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	filter := bson.M{"hid": rec.Hid}
	update := bson.M{"$set": rec}
	opts := options.Update().SetUpsert(true)

	_, err := r.collection.UpdateOne(ctx, filter, update, opts)
	return err
}
