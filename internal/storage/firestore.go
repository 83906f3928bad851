package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/tmaekawa/votebridge/internal/emailutil"
	"github.com/tmaekawa/votebridge/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store on Google Cloud Firestore.
//
// Firestore has no relational unique constraints, so account email
// uniqueness is enforced through an index document keyed by the
// normalized email, created transactionally with the account document.
// A conflicting create surfaces as codes.AlreadyExists, which is mapped
// to ErrAlreadyExists so callers see the same machine-readable code as
// with any other backend.
type FirestoreStore struct {
	client *firestore.Client

	accounts      string
	emailIndex    string
	mappings      string
	professionals string
	clients       string
}

// Ensure FirestoreStore implements the Store interface
var _ Store = (*FirestoreStore)(nil)

// accountDoc is the account document shape
type accountDoc struct {
	ID        string    `firestore:"id"`
	Email     string    `firestore:"email"`
	CreatedAt time.Time `firestore:"created_at"`
}

// emailIndexDoc reserves an email for an account
type emailIndexDoc struct {
	AccountID string `firestore:"account_id"`
}

// mappingDoc is the identity mapping document shape
type mappingDoc struct {
	ExternalID  string    `firestore:"external_id"`
	AccountID   string    `firestore:"account_id"`
	DisplayName string    `firestore:"display_name"`
	AvatarURL   string    `firestore:"avatar_url,omitempty"`
	Email       string    `firestore:"email,omitempty"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

// professionalDoc is the professional role record document shape
type professionalDoc struct {
	AccountID   string    `firestore:"account_id"`
	DisplayName string    `firestore:"display_name,omitempty"`
	Deactivated bool      `firestore:"deactivated"`
	CreatedAt   time.Time `firestore:"created_at"`
}

// clientDoc is the client role record document shape
type clientDoc struct {
	AccountID string    `firestore:"account_id"`
	CreatedAt time.Time `firestore:"created_at"`
}

// NewFirestoreStore creates a Firestore-backed store
func NewFirestoreStore(ctx context.Context, projectID, database string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreStore{
		client:        client,
		accounts:      "votebridge_accounts",
		emailIndex:    "votebridge_account_emails",
		mappings:      "votebridge_identity_mappings",
		professionals: "votebridge_professionals",
		clients:       "votebridge_clients",
	}, nil
}

// Close releases the underlying Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) CreateAccount(ctx context.Context, email string) (Account, error) {
	key := emailutil.Normalize(email)
	id := make([]byte, 16)
	_, _ = rand.Read(id)

	account := Account{
		ID:        hex.EncodeToString(id),
		Email:     key,
		CreatedAt: time.Now(),
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Create on the index doc fails with AlreadyExists when the email
		// is taken; the whole transaction aborts before the account doc
		// is written.
		if err := tx.Create(s.client.Collection(s.emailIndex).Doc(key), emailIndexDoc{
			AccountID: account.ID,
		}); err != nil {
			return err
		}
		return tx.Create(s.client.Collection(s.accounts).Doc(account.ID), accountDoc{
			ID:        account.ID,
			Email:     account.Email,
			CreatedAt: account.CreatedAt,
		})
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return Account{}, ErrAlreadyExists
		}
		return Account{}, fmt.Errorf("creating account: %w", err)
	}

	return account, nil
}

func (s *FirestoreStore) GetAccount(ctx context.Context, id string) (Account, error) {
	doc, err := s.client.Collection(s.accounts).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("getting account: %w", err)
	}

	var entity accountDoc
	if err := doc.DataTo(&entity); err != nil {
		return Account{}, fmt.Errorf("unmarshaling account: %w", err)
	}

	return Account{ID: entity.ID, Email: entity.Email, CreatedAt: entity.CreatedAt}, nil
}

func (s *FirestoreStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	iter := s.client.Collection(s.accounts).
		Where("email", "==", emailutil.Normalize(email)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("querying account by email: %w", err)
	}

	var entity accountDoc
	if err := doc.DataTo(&entity); err != nil {
		return Account{}, fmt.Errorf("unmarshaling account: %w", err)
	}

	return Account{ID: entity.ID, Email: entity.Email, CreatedAt: entity.CreatedAt}, nil
}

func (s *FirestoreStore) DeleteAccount(ctx context.Context, id string) error {
	account, err := s.GetAccount(ctx, id)
	if err == ErrNotFound {
		return nil // delete is idempotent
	}
	if err != nil {
		return err
	}

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Delete(s.client.Collection(s.emailIndex).Doc(account.Email)); err != nil {
			return err
		}
		return tx.Delete(s.client.Collection(s.accounts).Doc(id))
	})
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}

	log.LogInfoWithFields("storage", "Deleted account", map[string]any{
		"accountID": id,
	})
	return nil
}

func (s *FirestoreStore) LookupMapping(ctx context.Context, externalID string) (Mapping, error) {
	doc, err := s.client.Collection(s.mappings).Doc(externalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, fmt.Errorf("getting mapping: %w", err)
	}

	var entity mappingDoc
	if err := doc.DataTo(&entity); err != nil {
		return Mapping{}, fmt.Errorf("unmarshaling mapping: %w", err)
	}

	return Mapping{
		ExternalID:  entity.ExternalID,
		AccountID:   entity.AccountID,
		DisplayName: entity.DisplayName,
		AvatarURL:   entity.AvatarURL,
		Email:       entity.Email,
		UpdatedAt:   entity.UpdatedAt,
	}, nil
}

func (s *FirestoreStore) UpsertMapping(ctx context.Context, m Mapping) error {
	_, err := s.client.Collection(s.mappings).Doc(m.ExternalID).Set(ctx, mappingDoc{
		ExternalID:  m.ExternalID,
		AccountID:   m.AccountID,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		Email:       m.Email,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteMapping(ctx context.Context, externalID string) error {
	_, err := s.client.Collection(s.mappings).Doc(externalID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting mapping: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetProfessional(ctx context.Context, accountID string) (Professional, error) {
	doc, err := s.client.Collection(s.professionals).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Professional{}, ErrNotFound
		}
		return Professional{}, fmt.Errorf("getting professional record: %w", err)
	}

	var entity professionalDoc
	if err := doc.DataTo(&entity); err != nil {
		return Professional{}, fmt.Errorf("unmarshaling professional record: %w", err)
	}

	return Professional{
		AccountID:   entity.AccountID,
		DisplayName: entity.DisplayName,
		Deactivated: entity.Deactivated,
		CreatedAt:   entity.CreatedAt,
	}, nil
}

func (s *FirestoreStore) UpsertProfessional(ctx context.Context, p Professional) error {
	ref := s.client.Collection(s.professionals).Doc(p.AccountID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Get(ref)
		switch {
		case err == nil:
			// Keep the original creation time; upsert refreshes the rest.
			created, _ := existing.DataAt("created_at")
			if t, ok := created.(time.Time); ok {
				p.CreatedAt = t
			}
		case status.Code(err) == codes.NotFound:
			if p.CreatedAt.IsZero() {
				p.CreatedAt = time.Now()
			}
		default:
			return err
		}
		return tx.Set(ref, professionalDoc{
			AccountID:   p.AccountID,
			DisplayName: p.DisplayName,
			Deactivated: p.Deactivated,
			CreatedAt:   p.CreatedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("upserting professional record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetClient(ctx context.Context, accountID string) (Client, error) {
	doc, err := s.client.Collection(s.clients).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Client{}, ErrNotFound
		}
		return Client{}, fmt.Errorf("getting client record: %w", err)
	}

	var entity clientDoc
	if err := doc.DataTo(&entity); err != nil {
		return Client{}, fmt.Errorf("unmarshaling client record: %w", err)
	}

	return Client{AccountID: entity.AccountID, CreatedAt: entity.CreatedAt}, nil
}

func (s *FirestoreStore) UpsertClient(ctx context.Context, c Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	// The client record has no mutable fields, so the upsert degenerates to
	// create-if-absent.
	_, err := s.client.Collection(s.clients).Doc(c.AccountID).Create(ctx, clientDoc{
		AccountID: c.AccountID,
		CreatedAt: c.CreatedAt,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("upserting client record: %w", err)
	}
	return nil
}
