// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func setJSONField(body []byte, path string, value string) ([]byte, error) {
	return sjson.SetBytes(body, path, value)
}

func jsonBoolField(body []byte, path string) bool {
	return gjson.GetBytes(body, path).Bool()
}

func jsonStringField(body []byte, path string) string {
	return gjson.GetBytes(body, path).String()
}
