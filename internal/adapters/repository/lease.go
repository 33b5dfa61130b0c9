package repository

import (
	"context"
	"time"
)

// TryAcquireLease takes or renews the named lease for owner until now+ttl.
// It reports false while another owner holds an unexpired lease.
func (s *SQLStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO worker_lease (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE worker_lease.owner = excluded.owner OR worker_lease.expires_at <= ?`,
		name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease gives the lease up if owner holds it.
func (s *SQLStore) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM worker_lease WHERE name = ? AND owner = ?`, name, owner)
	return err
}
