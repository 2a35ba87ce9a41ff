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

package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenSeedsAdmin(t *testing.T) {
	d := openTestDB(t)
	user, err := d.GetUser(DefaultAdminUser)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(user.PasswordHash), []byte(DefaultAdminPassword)))
}

func TestGetUserNotFound(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetUser("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListHostsPreloadsAssociations(t *testing.T) {
	d := openTestDB(t)
	host := Host{
		Domain:  "app.example",
		Targets: []string{"10.0.0.1:8000"},
		Scheme:  "http",
		Locations: []Location{
			{Path: "/api", Targets: []string{"10.0.0.2:9000"}, Scheme: "http", Rewrite: true},
		},
		Headers: []HeaderRule{
			{Name: "X-Edge", Value: "1", Target: "request"},
		},
	}
	require.NoError(t, d.Gorm().Create(&host).Error)

	hosts, err := d.ListHosts()
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, []string{"10.0.0.1:8000"}, hosts[0].Targets)
	require.Len(t, hosts[0].Locations, 1)
	assert.Equal(t, "/api", hosts[0].Locations[0].Path)
	require.Len(t, hosts[0].Headers, 1)
}

func TestUpsertCert(t *testing.T) {
	d := openTestDB(t)
	pid := uint(3)

	require.NoError(t, d.UpsertCert("site.example", 1000, nil))
	require.NoError(t, d.UpsertCert("site.example", 2000, &pid))

	var rows []Cert
	require.NoError(t, d.Gorm().Find(&rows).Error)
	require.Len(t, rows, 1, "upsert must not duplicate the row")
	assert.Equal(t, int64(2000), rows[0].ExpiresAt)
	require.NotNil(t, rows[0].ProviderID)
	assert.Equal(t, pid, *rows[0].ProviderID)
}

func TestExpiringCerts(t *testing.T) {
	d := openTestDB(t)
	now := time.Now().Unix()
	require.NoError(t, d.UpsertCert("soon.example", now+60, nil))
	require.NoError(t, d.UpsertCert("later.example", now+100_000, nil))

	expiring, err := d.ExpiringCerts(now + 1000)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "soon.example", expiring[0].Domain)
}

func TestRecordAndListTraffic(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.RecordTraffic(10, 2048, 8, 1, 1))
	require.NoError(t, d.RecordTraffic(5, 512, 5, 0, 0))

	stats, err := d.RecentTraffic(10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
}

func TestListStreamsOrdered(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.Gorm().Create(&Stream{ListenPort: 9002, ForwardHost: "h", ForwardPort: 1, Protocol: "tcp"}).Error)
	require.NoError(t, d.Gorm().Create(&Stream{ListenPort: 9001, ForwardHost: "h", ForwardPort: 1, Protocol: "udp"}).Error)

	streams, err := d.ListStreams()
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, 9001, streams[0].ListenPort)
}
