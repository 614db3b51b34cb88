// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package warehouse

import (
	"strings"
	"testing"
	"time"
)

func TestBuildZeroCommitQuery_MixesGroupsWithOrAndWindowWithAnd(t *testing.T) {
	filter := QueryFilter{
		Since:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until:         time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Organizations: []string{"acme"},
		Users:         []string{"alice", "bob"},
	}

	query, params := buildZeroCommitQuery(filter)

	if !strings.Contains(query, "created_at >= @since AND created_at < @until") {
		t.Errorf("query missing AND'd time window: %s", query)
	}
	if !strings.Contains(query, "org.login IN (@org0)") {
		t.Errorf("query missing org group: %s", query)
	}
	if !strings.Contains(query, "actor.login IN (@user0, @user1)") {
		t.Errorf("query missing user group: %s", query)
	}
	if !strings.Contains(query, "(org.login IN (@org0) OR actor.login IN (@user0, @user1))") {
		t.Errorf("query did not OR the organisation and user groups together: %s", query)
	}

	wantNames := map[string]bool{"since": true, "until": true, "org0": true, "user0": true, "user1": true}
	for _, p := range params {
		delete(wantNames, p.Name)
	}
	if len(wantNames) != 0 {
		t.Errorf("missing bound parameters: %v", wantNames)
	}
}

func TestBuildZeroCommitQuery_NoGroupsOmitsGroupClause(t *testing.T) {
	filter := QueryFilter{Since: time.Now(), Until: time.Now()}
	query, _ := buildZeroCommitQuery(filter)
	if strings.Contains(query, " OR ") {
		t.Errorf("query should not contain an OR clause with no org/user/repo filters: %s", query)
	}
}
