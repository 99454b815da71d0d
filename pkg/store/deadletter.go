// Copyright 2024 Forgewatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a rejected ingestion payload retained for diagnosis.
type DeadLetter struct {
	ID       uuid.UUID `db:"id"`
	Protocol string    `db:"protocol"`
	Peer     string    `db:"peer"`
	Payload  []byte    `db:"payload"`
	Reason   string    `db:"reason"`
	At       time.Time `db:"at"`
}

// InsertDeadLetter persists a rejected payload with its parse or
// validation error. Dead letters are not tenant-scoped; the tenant may
// be unresolvable for exactly the payloads that land here.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, protocol, peer, payload, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.Protocol, dl.Peer, dl.Payload, dl.Reason, dl.At.UTC())
	return classify(err)
}
