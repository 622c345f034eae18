package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lsmic/dispatch/internal/core/domain"
)

// CatalogRepository backs one of the badges/ranks/services collections.
// All three share the {label, color} shape; the kind selects the collection.
type CatalogRepository struct {
	col  *mongo.Collection
	kind domain.CatalogKind
}

func NewCatalogRepository(db *mongo.Database, kind domain.CatalogKind) *CatalogRepository {
	return &CatalogRepository{col: db.Collection(string(kind)), kind: kind}
}

func (r *CatalogRepository) Kind() domain.CatalogKind {
	return r.kind
}

type catalogDoc struct {
	ID    primitive.ObjectID `bson:"_id,omitempty"`
	Label string             `bson:"label"`
	Color string             `bson:"color"`
}

func (d *catalogDoc) toDomain() domain.CatalogItem {
	return domain.CatalogItem{ID: d.ID.Hex(), Label: d.Label, Color: d.Color}
}

func (r *CatalogRepository) FindAll(ctx context.Context) ([]domain.CatalogItem, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cur, err := r.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	items := []domain.CatalogItem{}
	for cur.Next(ctx) {
		var d catalogDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		items = append(items, d.toDomain())
	}
	return items, cur.Err()
}

func (r *CatalogRepository) Insert(ctx context.Context, label, color string) (domain.CatalogItem, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.col.InsertOne(ctx, catalogDoc{Label: label, Color: color})
	if err != nil {
		return domain.CatalogItem{}, err
	}

	return domain.CatalogItem{
		ID:    res.InsertedID.(primitive.ObjectID).Hex(),
		Label: label,
		Color: color,
	}, nil
}

func (r *CatalogRepository) UpdateOne(ctx context.Context, id string, patch map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.ErrNotFound
	}

	res, err := r.col.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M(patch)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CatalogRepository) DeleteOne(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.ErrNotFound
	}

	res, err := r.col.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InfoRepository is the append-only console info log.
type InfoRepository struct {
	col *mongo.Collection
}

const collectionInfos = "infos"

func NewInfoRepository(db *mongo.Database) *InfoRepository {
	return &InfoRepository{col: db.Collection(collectionInfos)}
}

type infoDoc struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	Text string             `bson:"text"`
}

func (r *InfoRepository) Append(ctx context.Context, text string) (*domain.InfoNote, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.col.InsertOne(ctx, infoDoc{Text: text})
	if err != nil {
		return nil, err
	}
	return &domain.InfoNote{
		ID:   res.InsertedID.(primitive.ObjectID).Hex(),
		Text: text,
	}, nil
}

// Latest returns the most recently appended note. ObjectIDs are monotonic
// enough for the "current info" read, matching how the console has always
// resolved it.
func (r *InfoRepository) Latest(ctx context.Context) (*domain.InfoNote, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})

	var d infoDoc
	if err := r.col.FindOne(ctx, bson.M{}, opts).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &domain.InfoNote{ID: d.ID.Hex(), Text: d.Text}, nil
}
