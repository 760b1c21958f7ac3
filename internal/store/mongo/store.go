// Package mongo stores users and conversations in MongoDB. Each conversation
// is a single document with its messages embedded, so appends, renames and
// deletes are single-document atomic updates.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

// DefaultDatabase is used when the URI names no database.
const DefaultDatabase = "llm-hub"

const (
	conversationsCollection = "conversations"
	usersCollection         = "users"
)

type messageDoc struct {
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	Model     string    `bson:"model,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

type conversationDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user_id"`
	Title     string             `bson:"title"`
	Messages  []messageDoc       `bson:"messages"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

type summaryDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	Title        string             `bson:"title"`
	MessageCount int                `bson:"message_count"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

type userDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

// Store implements store.Store on a MongoDB database.
type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	users         *mongo.Collection
}

// Open connects to uri, verifies the server is reachable and ensures indexes.
func Open(ctx context.Context, uri string) (*Store, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		users:         db.Collection(usersCollection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}

	_, err = s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}
	return nil
}

// CreateConversation inserts conv and returns it with its new identifier.
func (s *Store) CreateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	doc := toConversationDoc(conv)
	res, err := s.conversations.InsertOne(ctx, doc)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return fromConversationDoc(doc), nil
}

// ListConversations returns summaries of the owner's conversations.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Summary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "user_id", Value: ownerID}}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}, {Key: "created_at", Value: -1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.D{
		{Key: "title", Value: 1},
		{Key: "created_at", Value: 1},
		{Key: "updated_at", Value: 1},
		{Key: "message_count", Value: bson.D{{Key: "$size", Value: bson.D{
			{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}},
		}}}},
	}}})

	cursor, err := s.conversations.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var docs []summaryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	summaries := make([]conversation.Summary, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, conversation.Summary{
			ID:           doc.ID.Hex(),
			Title:        doc.Title,
			MessageCount: doc.MessageCount,
			CreatedAt:    doc.CreatedAt.UTC(),
			UpdatedAt:    doc.UpdatedAt.UTC(),
		})
	}
	return summaries, nil
}

// GetConversation fetches one conversation owned by ownerID.
func (s *Store) GetConversation(ctx context.Context, ownerID, id string) (conversation.Conversation, error) {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return conversation.Conversation{}, store.ErrNotFound
	}

	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		return conversation.Conversation{}, translate(err, "get conversation")
	}
	return fromConversationDoc(doc), nil
}

// AppendMessage appends turn to the embedded message array. The update runs
// as a pipeline so the stored timestamp is raised to the previous turn's in
// the same atomic write. User text is wrapped in $literal so it is never
// evaluated as an expression.
func (s *Store) AppendMessage(ctx context.Context, ownerID, id string, turn conversation.ChatTurn) (conversation.Conversation, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	lastTimestamp := bson.D{{Key: "$last", Value: "$messages.timestamp"}}
	timestamp := bson.D{{Key: "$max", Value: bson.A{
		turn.Timestamp,
		bson.D{{Key: "$ifNull", Value: bson.A{lastTimestamp, turn.Timestamp}}},
	}}}
	message := bson.D{
		{Key: "role", Value: literal(string(turn.Role))},
		{Key: "content", Value: literal(turn.Content)},
		{Key: "model", Value: literal(turn.Model)},
		{Key: "timestamp", Value: timestamp},
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "messages", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}}},
				bson.A{message},
			}}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "updated_at", Value: bson.D{{Key: "$max", Value: bson.A{"$updated_at", lastTimestamp}}}},
		}}},
	}
	return s.updateOwned(ctx, ownerID, id, update, "append message")
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, ownerID, id, title string, at time.Time) (conversation.Conversation, error) {
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "title", Value: title}}},
		{Key: "$max", Value: bson.D{{Key: "updated_at", Value: at}}},
	}
	return s.updateOwned(ctx, ownerID, id, update, "update title")
}

func (s *Store) updateOwned(ctx context.Context, ownerID, id string, update any, op string) (conversation.Conversation, error) {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return conversation.Conversation{}, store.ErrNotFound
	}

	var doc conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return conversation.Conversation{}, translate(err, op)
	}
	return fromConversationDoc(doc), nil
}

// DeleteConversation removes a conversation.
func (s *Store) DeleteConversation(ctx context.Context, ownerID, id string) error {
	filter, ok := ownedFilter(ownerID, id)
	if !ok {
		return store.ErrNotFound
	}

	res, err := s.conversations.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateUser inserts u. Duplicate e-mails are reported as store.ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	doc := userDoc{
		Email:        strings.ToLower(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}

	res, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return user.User{}, store.ErrDuplicate
		}
		return user.User{}, fmt.Errorf("insert user: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return fromUserDoc(doc), nil
}

// FindUserByEmail looks up a user by e-mail address.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.findUser(ctx, bson.D{{Key: "email", Value: strings.ToLower(email)}})
}

// FindUserByID looks up a user by identifier.
func (s *Store) FindUserByID(ctx context.Context, id string) (user.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return user.User{}, store.ErrNotFound
	}
	return s.findUser(ctx, bson.D{{Key: "_id", Value: oid}})
}

func (s *Store) findUser(ctx context.Context, filter bson.D) (user.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		return user.User{}, translate(err, "find user")
	}
	return fromUserDoc(doc), nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func ownedFilter(ownerID, id string) (bson.D, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	return bson.D{{Key: "_id", Value: oid}, {Key: "user_id", Value: ownerID}}, true
}

func translate(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func literal(v string) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

func toMessageDoc(turn conversation.ChatTurn) messageDoc {
	return messageDoc{
		Role:      string(turn.Role),
		Content:   turn.Content,
		Model:     turn.Model,
		Timestamp: turn.Timestamp,
	}
}

func toConversationDoc(conv conversation.Conversation) conversationDoc {
	messages := make([]messageDoc, 0, len(conv.Messages))
	for _, turn := range conv.Messages {
		messages = append(messages, toMessageDoc(turn))
	}
	return conversationDoc{
		UserID:    conv.OwnerID,
		Title:     conv.Title,
		Messages:  messages,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

func fromConversationDoc(doc conversationDoc) conversation.Conversation {
	messages := make([]conversation.ChatTurn, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		messages = append(messages, conversation.ChatTurn{
			Role:      conversation.Role(m.Role),
			Content:   m.Content,
			Model:     m.Model,
			Timestamp: m.Timestamp.UTC(),
		})
	}
	return conversation.Conversation{
		ID:        doc.ID.Hex(),
		OwnerID:   doc.UserID,
		Title:     doc.Title,
		Messages:  messages,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func fromUserDoc(doc userDoc) user.User {
	return user.User{
		ID:           doc.ID.Hex(),
		Email:        doc.Email,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
}
