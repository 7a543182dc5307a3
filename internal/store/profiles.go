package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"permgate/internal/metadata"
)

var ErrInvalidUserID = errors.New("invalid user id")

const permissionsQuery = `SELECT profile_metadata->'permissions' FROM users WHERE id = $1`

// ProfileStore reads the permission grants kept in user profile metadata.
type ProfileStore struct {
	q Querier
}

func NewProfileStore(q Querier) *ProfileStore {
	return &ProfileStore{q: q}
}

// Permissions returns the granted tree of userID. A user without grants gets
// an empty tree, an unknown user ErrNotFound.
func (s *ProfileStore) Permissions(ctx context.Context, userID string) (*metadata.Node, error) {
	if err := uuid.Validate(userID); err != nil {
		return nil, oops.Code("INVALID_USER_ID").With("user_id", userID).Wrapf(ErrInvalidUserID, "%v", err)
	}

	var raw []byte
	err := s.q.QueryRow(ctx, permissionsQuery, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PROFILE_NOT_FOUND").With("user_id", userID).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PROFILE_QUERY_FAILED").With("user_id", userID).Wrapf(err, "load permissions")
	}
	if len(raw) == 0 || string(raw) == "null" {
		return metadata.NewNode(), nil
	}

	node, err := metadata.ParseNode(raw)
	if err != nil {
		return nil, oops.Code("PROFILE_PERMISSIONS_INVALID").With("user_id", userID).Wrapf(err, "decode permissions")
	}
	return node, nil
}
