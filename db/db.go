// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db is the relational store behind the control plane. The
// data plane never queries it on the request path; it only reads
// full tables when assembling a configuration snapshot.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultAdminUser is seeded on first boot so the control plane is
// reachable before any operator exists.
const (
	DefaultAdminUser     = "admin"
	DefaultAdminPassword = "changeme"
)

// DB wraps the gorm handle with the typed queries the rest of the
// system uses.
type DB struct {
	gorm   *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the SQLite database at path,
// migrates the schema, and seeds the default admin account.
func Open(path string, log *zap.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	d := &DB{gorm: gdb, logger: log}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	if err := d.seedAdmin(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	err := d.gorm.AutoMigrate(
		&Host{}, &Location{}, &HeaderRule{},
		&AccessList{}, &AccessListClient{}, &AccessListIP{},
		&Stream{}, &Cert{}, &DNSProvider{},
		&User{}, &AuditLog{}, &TrafficStat{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (d *DB) seedAdmin() error {
	var count int64
	if err := d.gorm.Model(&User{}).Where("username = ?", DefaultAdminUser).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := d.gorm.Create(&User{Username: DefaultAdminUser, PasswordHash: string(hash)}).Error; err != nil {
		return err
	}
	d.logger.Info("created default admin user",
		zap.String("username", DefaultAdminUser))
	return nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Gorm exposes the raw handle for the control-plane CRUD, which is
// thin enough not to warrant a repository layer of its own.
func (d *DB) Gorm() *gorm.DB { return d.gorm }
