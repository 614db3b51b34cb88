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

package validator

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// probeJWT never calls a remote service: it decodes the token locally (no
// signature verification — the scanner found the token in plaintext, there
// is no issuer key to verify against) and inspects the expiry claim.
func (v *Validator) probeJWT(ctx context.Context, matchedText string) Record {
	token, err := jwt.Parse([]byte(matchedText), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return Record{Method: "jwt-decode", Unknown: true, Error: "failed to decode token: " + err.Error()}
	}

	exp := token.Expiration()
	if exp.IsZero() {
		return Record{Method: "jwt-decode", IsValid: true,
			AdditionalInfo: map[string]string{"note": "token carries no exp claim"}}
	}

	if exp.Before(time.Now()) {
		return Record{Method: "jwt-decode", IsValid: false, Error: "Token is expired"}
	}
	return Record{Method: "jwt-decode", IsValid: true}
}
