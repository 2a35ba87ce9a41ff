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

package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHostIsCaseInsensitive(t *testing.T) {
	snap := NewSnapshot([]*Host{
		{Domain: "Example.COM", Targets: []string{"127.0.0.1:3000"}},
	}, nil)

	assert.NotNil(t, snap.GetHost("example.com"))
	assert.NotNil(t, snap.GetHost("EXAMPLE.com"))
	assert.Nil(t, snap.GetHost("other.com"))
}

func TestMatchLocationLongestPrefix(t *testing.T) {
	host := &Host{
		Locations: []Location{
			{Path: "/api"},
			{Path: "/api/v2"},
			{Path: "/static"},
		},
	}

	for i, tc := range []struct {
		reqPath string
		want    string // "" means no match
	}{
		{"/api/v2/users", "/api/v2"},
		{"/api/v1/users", "/api"},
		{"/api", "/api"},
		{"/static/app.js", "/static"},
		{"/", ""},
		{"/apiv2", "/api"}, // prefix match is byte-wise, like the upstream selector expects
	} {
		got := host.MatchLocation(tc.reqPath)
		if tc.want == "" {
			assert.Nil(t, got, "case %d", i)
			continue
		}
		require.NotNil(t, got, "case %d", i)
		assert.Equal(t, tc.want, got.Path, "case %d", i)
	}
}

func TestMatchLocationNoLocations(t *testing.T) {
	host := &Host{}
	assert.Nil(t, host.MatchLocation("/anything"))
}

func TestHeaderRulesSplitByTarget(t *testing.T) {
	host := &Host{
		Headers: []HeaderRule{
			{Name: "X-Req", Value: "1", Target: "request"},
			{Name: "X-Resp", Value: "2", Target: "response"},
			{Name: "X-Req-2", Value: "3", Target: "request"},
		},
	}
	req := host.RequestHeaders()
	require.Len(t, req, 2)
	assert.Equal(t, "X-Req", req[0].Name)
	assert.Equal(t, "X-Req-2", req[1].Name)
	require.Len(t, host.ResponseHeaders(), 1)
}

func TestInstallRejectsNil(t *testing.T) {
	st := New()
	assert.Error(t, st.Install(nil))
	assert.NotNil(t, st.Snapshot())
}

// TestSnapshotAtomicity publishes snapshots whose host and access
// list always travel together, while readers verify they never see
// one without the other.
func TestSnapshotAtomicity(t *testing.T) {
	st := New()
	const iterations = 1000

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := st.Snapshot()
				host := snap.GetHost("site.test")
				if host == nil {
					continue
				}
				// whatever generation we caught, the access list of
				// the same generation must be present and matching
				acl := snap.GetAccessList(host.AccessListID)
				if acl == nil {
					t.Errorf("host generation %d visible without its access list", host.AccessListID)
					return
				}
				if acl.Name != fmt.Sprintf("gen-%d", host.AccessListID) {
					t.Errorf("mixed generations: host %d saw list %q", host.AccessListID, acl.Name)
					return
				}
			}
		}()
	}

	for i := uint(1); i <= iterations; i++ {
		snap := NewSnapshot(
			[]*Host{{Domain: "site.test", Targets: []string{"127.0.0.1:9"}, AccessListID: i}},
			[]*AccessList{{ID: i, Name: fmt.Sprintf("gen-%d", i)}},
		)
		require.NoError(t, st.Install(snap))
	}
	close(stop)
	wg.Wait()
}
