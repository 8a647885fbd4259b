// Copyright 2026 The Caravel Authors
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

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caravel-vm/caravel/internal/types"
	"github.com/caravel-vm/caravel/internal/util/tlsutil"
)

var (
	ErrSnapshotCreate = errors.New("creating snapshot")
	ErrVolumeNotFound = errors.New("volume not found")

	errVolumeLookup    = errors.New("looking up volume by name")
	errVolumeAmbiguous = errors.New("volume name matches more than one volume")
	errControllerHTTP  = errors.New("calling storage controller API")
)

const snapshotRequestTimeout = 30 * time.Second

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// SnapshotInfo reports one snapshot created on a storage controller.
type SnapshotInfo struct {
	// Name is the snapshot name as created on the volume.
	Name string
	// VolumeUUID is the volume the snapshot was created on, resolved by
	// name lookup when the target did not carry one.
	VolumeUUID string
}

// SnapshotAPI creates snapshots on a storage controller's REST API.
type SnapshotAPI interface {
	// CreateSnapshot creates one snapshot named label on the target
	// volume. The volume is addressed by UUID when the target carries
	// one, otherwise resolved by name and SVM first. A lockDays > 0 sets
	// a SnapLock expiry that far in the future.
	CreateSnapshot(
		ctx context.Context,
		ctrl types.Controller,
		target types.SnapshotTarget,
		label string,
		lockDays int,
	) (SnapshotInfo, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewSnapshotAPI returns a SnapshotAPI speaking the ONTAP-style volume
// snapshot REST dialect.
func NewSnapshotAPI() SnapshotAPI {
	return &ontapSnapshot{now: time.Now}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type ontapSnapshot struct {
	now func() time.Time
}

// ontapErrorBody is the error envelope the controller returns on non-2xx.
type ontapErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// volumeRecords is the record envelope of the volume collection endpoint.
type volumeRecords struct {
	Records []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"records"`
	NumRecords int `json:"num_records"`
}

func (o *ontapSnapshot) CreateSnapshot(
	ctx context.Context,
	ctrl types.Controller,
	target types.SnapshotTarget,
	label string,
	lockDays int,
) (SnapshotInfo, error) {
	httpClient, err := o.httpClient(ctrl)
	if err != nil {
		return SnapshotInfo{}, errors.Join(err, ErrSnapshotCreate)
	}

	volumeUUID := target.VolumeUUID
	if volumeUUID == "" {
		volumeUUID, err = o.lookupVolume(ctx, httpClient, ctrl, target)
		if err != nil {
			return SnapshotInfo{}, errors.Join(err, ErrSnapshotCreate)
		}
	}

	body := map[string]any{"name": label}
	if lockDays > 0 {
		expiry := o.now().UTC().Add(time.Duration(lockDays) * 24 * time.Hour)
		body["snaplock_expiry_time"] = expiry.Format(time.RFC3339)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return SnapshotInfo{}, errors.Join(err, ErrSnapshotCreate)
	}

	reqURL := fmt.Sprintf("%s/api/storage/volumes/%s/snapshots",
		strings.TrimRight(ctrl.BaseURL, "/"),
		url.PathEscape(volumeUUID),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return SnapshotInfo{}, errors.Join(err, ErrSnapshotCreate)
	}

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(ctrl.Username, ctrl.Password)

	resp, err := httpClient.Do(req)
	if err != nil {
		return SnapshotInfo{}, errors.Join(err, errControllerHTTP, ErrSnapshotCreate)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SnapshotInfo{}, errors.Join(
			controllerError(resp),
			ErrSnapshotCreate,
		)
	}

	return SnapshotInfo{Name: label, VolumeUUID: volumeUUID}, nil
}

// lookupVolume resolves a volume UUID from its name, scoped to an SVM when
// the target names one.
func (o *ontapSnapshot) lookupVolume(
	ctx context.Context,
	httpClient *http.Client,
	ctrl types.Controller,
	target types.SnapshotTarget,
) (string, error) {
	reqURL := fmt.Sprintf("%s/api/storage/volumes?name=%s",
		strings.TrimRight(ctrl.BaseURL, "/"),
		url.QueryEscape(target.Storage),
	)
	if target.SVM != "" {
		reqURL += "&svm.name=" + url.QueryEscape(target.SVM)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", errors.Join(err, errVolumeLookup)
	}

	req.SetBasicAuth(ctrl.Username, ctrl.Password)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errors.Join(err, errControllerHTTP, errVolumeLookup)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Join(controllerError(resp), errVolumeLookup)
	}

	var records volumeRecords
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return "", errors.Join(err, errVolumeLookup)
	}

	switch {
	case len(records.Records) == 0:
		return "", errors.Join(
			fmt.Errorf("volume %q svm %q on %s", target.Storage, target.SVM, ctrl.Name),
			ErrVolumeNotFound,
			errVolumeLookup,
		)
	case len(records.Records) > 1:
		return "", errors.Join(
			fmt.Errorf("volume %q svm %q matches %d volumes on %s",
				target.Storage, target.SVM, len(records.Records), ctrl.Name),
			errVolumeAmbiguous,
			errVolumeLookup,
		)
	}

	return records.Records[0].UUID, nil
}

func (o *ontapSnapshot) httpClient(ctrl types.Controller) (*http.Client, error) {
	tlsConfig, err := tlsutil.BuildClientTLSConfig(&tlsutil.ClientConfig{
		InsecureSkipVerify: ctrl.Insecure,
		CAPath:             ctrl.CAPath,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: snapshotRequestTimeout}
	if tlsConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return httpClient, nil
}

// controllerError turns a non-2xx controller response into an error carrying
// the controller's own message when the body decodes as its error envelope.
func controllerError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var body ontapErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		if body.Error.Code != "" {
			return fmt.Errorf("status %d: %s (code %s)",
				resp.StatusCode, body.Error.Message, body.Error.Code)
		}

		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error.Message)
	}

	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
