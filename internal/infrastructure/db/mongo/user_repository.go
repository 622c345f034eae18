package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/lsmic/dispatch/internal/core/domain"
)

const collectionUsers = "users"

type UserRepository struct {
	col *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{col: db.Collection(collectionUsers)}
}

// userDoc is the persisted shape. Field casings match the documents written
// by earlier deployments of the console, so existing data keeps decoding.
type userDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Username    string             `bson:"username"`
	Password    string             `bson:"password"`
	Bank        string             `bson:"bank,omitempty"`
	Phone       string             `bson:"phone,omitempty"`
	IsAdmin     bool               `bson:"isAdmin"`
	IsAvailable bool               `bson:"isAvailable"`
	Note        string             `bson:"note,omitempty"`
	Badges      []string           `bson:"badges"`
	Ranks       []string           `bson:"ranks"`
	Services    []string           `bson:"services"`
}

func (d *userDoc) toDomain() *domain.User {
	u := &domain.User{
		ID:           d.ID.Hex(),
		Username:     d.Username,
		PasswordHash: d.Password,
		Bank:         d.Bank,
		Phone:        d.Phone,
		IsAdmin:      d.IsAdmin,
		IsAvailable:  d.IsAvailable,
		Note:         d.Note,
		Badges:       d.Badges,
		Ranks:        d.Ranks,
		Services:     d.Services,
	}
	if u.Badges == nil {
		u.Badges = []string{}
	}
	if u.Ranks == nil {
		u.Ranks = []string{}
	}
	if u.Services == nil {
		u.Services = []string{}
	}
	return u
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrUserNotFound
	}

	var d userDoc
	if err := r.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return d.toDomain(), nil
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var d userDoc
	if err := r.col.FindOne(ctx, bson.M{"username": username}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return d.toDomain(), nil
}

// Find returns all users matching the client-shaped filter. A nil filter
// returns the whole collection.
func (r *UserRepository) Find(ctx context.Context, filter map[string]any) ([]*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cur, err := r.col.Find(ctx, buildFilter(filter))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	users := []*domain.User{}
	for cur.Next(ctx) {
		var d userDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		users = append(users, d.toDomain())
	}
	return users, cur.Err()
}

func (r *UserRepository) Insert(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc := userDoc{
		Username:    user.Username,
		Password:    user.PasswordHash,
		Bank:        user.Bank,
		Phone:       user.Phone,
		IsAdmin:     user.IsAdmin,
		IsAvailable: user.IsAvailable,
		Note:        user.Note,
		Badges:      user.Badges,
		Ranks:       user.Ranks,
		Services:    user.Services,
	}

	res, err := r.col.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}

	created := *user
	created.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return &created, nil
}

// UpdateOne applies a shallow $set patch to the user with the given id.
func (r *UserRepository) UpdateOne(ctx context.Context, id string, patch map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.ErrUserNotFound
	}

	res, err := r.col.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M(patch)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// UpdateMany applies a shallow $set patch to every user whose id is in ids.
func (r *UserRepository) UpdateMany(ctx context.Context, ids []string, patch map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return 0, nil
	}

	res, err := r.col.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": oids}}, bson.M{"$set": bson.M(patch)})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *UserRepository) DeleteOne(ctx context.Context, filter map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.col.DeleteOne(ctx, buildFilter(filter))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// buildFilter translates a client-shaped filter document into bson. The
// wire uses id/_id hex strings where the store wants ObjectIDs; everything
// else passes through untouched.
func buildFilter(filter map[string]any) bson.M {
	out := bson.M{}
	for k, v := range filter {
		if k == "id" || k == "_id" {
			if s, ok := v.(string); ok {
				if oid, err := primitive.ObjectIDFromHex(s); err == nil {
					out["_id"] = oid
					continue
				}
			}
			out["_id"] = v
			continue
		}
		out[k] = v
	}
	return out
}
