// Copyright 2021-2023
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// PgxIface is the subset of a pgx pool used by pvtree; pgxmock connections satisfy it
type PgxIface interface {
	Begin(context.Context) (pgx.Tx, error)
}

var (
	ErrNotConnected    = errors.New("database pool has not been configured")
	ErrRoleUnavailable = errors.New("could not switch database role")
)

var pool PgxIface

// SetPool replaces the connection pool used by TrxForUser
func SetPool(myPool PgxIface) {
	pool = myPool
}

// IsConnected returns true once a pool has been configured
func IsConnected() bool {
	return pool != nil
}

// Connect opens a pool to database.url and verifies the server is reachable
func Connect(ctx context.Context) error {
	myPool, err := pgxpool.Connect(ctx, viper.GetString("database.url"))
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not connect to pool")
		return err
	}

	if err = myPool.Ping(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not ping database server")
		myPool.Close()
		return err
	}

	SetPool(myPool)
	return nil
}

// TrxForUser creates a transaction running as the given database role. pvtree only
// reads the eod table so the role is expected to exist already.
func TrxForUser(ctx context.Context, userID string) (pgx.Tx, error) {
	if pool == nil {
		return nil, ErrNotConnected
	}

	trx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	ident := pgx.Identifier{userID}
	if _, err = trx.Exec(ctx, fmt.Sprintf("SET ROLE %s", ident.Sanitize())); err != nil {
		log.Error().Stack().Err(err).Str("UserID", userID).Msg("could not set role")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, fmt.Errorf("%w %q: %v", ErrRoleUnavailable, userID, err)
	}

	return trx, nil
}
