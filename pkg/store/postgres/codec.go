/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"encoding/json"

	"github.com/jordigilh/selfheal/pkg/store"
)

func marshalDoc(doc map[string]interface{}) ([]byte, error) {
	return json.Marshal(doc)
}

func rowToRecord(r row) (*store.Record, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(r.Doc, &doc); err != nil {
		return nil, err
	}
	return &store.Record{
		Collection: r.Collection,
		ID:         r.ID,
		Doc:        doc,
		CreatedAt:  r.CreatedAt.Unix(),
		UpdatedAt:  r.UpdatedAt.Unix(),
	}, nil
}
