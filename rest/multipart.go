// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package rest

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
)

// buildMultipart assembles a multipart form upload. Each file becomes a
// sequentially numbered form part ("0", "1", ...) carrying its filename;
// the JSON side-payload, when present, travels in the payload_json field.
// The form is materialized into memory so 429 retries can replay it.
func buildMultipart(payloadJSON []byte, files []File) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if payloadJSON != nil {
		field, err := writer.CreateFormField("payload_json")
		if err != nil {
			return nil, "", fmt.Errorf("rest: failed to create payload_json field: %w", err)
		}
		if _, err := field.Write(payloadJSON); err != nil {
			return nil, "", fmt.Errorf("rest: failed to write payload_json field: %w", err)
		}
	}

	for i, file := range files {
		part, err := writer.CreateFormFile(strconv.Itoa(i), file.Name)
		if err != nil {
			return nil, "", fmt.Errorf("rest: failed to create form file %q: %w", file.Name, err)
		}
		if _, err := io.Copy(part, file.Contents); err != nil {
			return nil, "", fmt.Errorf("rest: failed to read upload %q: %w", file.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("rest: failed to finalize multipart body: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}
