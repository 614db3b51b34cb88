// Copyright 2023 The Authors (see AUTHORS file)
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

// Package secrets resolves the hunter's own *_SECRET config references
// (the GitHub token, the webhook HMAC key) against Secret Manager at
// startup. It never touches the credentials the scanner finds in scanned
// content — those are handled entirely by pkg/validator.
package secrets

import (
	"context"
	"fmt"
	"hash/crc32"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// AccessSecretFromSecretManager reads one secret version and verifies its
// CRC32C checksum to rule out transport corruption. secretResourceName must
// be in the form 'projects/*/secrets/*/versions/*'. It opens and closes a
// Secret Manager client per call, which is fine for the handful of config
// secrets resolved once at process startup.
func AccessSecretFromSecretManager(ctx context.Context, secretResourceName string) (_ string, retErr error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("secrets: create secret manager client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("secrets: close secret manager client: %w", err)
		}
	}()

	req := &secretmanagerpb.AccessSecretVersionRequest{Name: secretResourceName}
	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("secrets: access secret version %q: %w", secretResourceName, err)
	}

	crc32c := crc32.MakeTable(crc32.Castagnoli)
	checksum := int64(crc32.Checksum(result.Payload.Data, crc32c))
	if checksum != *result.Payload.DataCrc32C {
		return "", fmt.Errorf("secrets: checksum mismatch for %q, data may be corrupted", secretResourceName)
	}
	return string(result.Payload.Data), nil
}
