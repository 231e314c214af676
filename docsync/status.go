// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import "encoding/json"

func newAppliedStatus(sourceChangeID, newServerVersion int64) ChangeUploadStatus {
	v := newServerVersion
	return ChangeUploadStatus{
		SourceChangeID:   sourceChangeID,
		Status:           StatusApplied,
		NewServerVersion: &v,
	}
}

func newConflictStatus(sourceChangeID, serverVersion int64, serverRow json.RawMessage) ChangeUploadStatus {
	v := serverVersion
	return ChangeUploadStatus{
		SourceChangeID:   sourceChangeID,
		Status:           StatusConflict,
		NewServerVersion: &v,
		ServerRow:        serverRow,
	}
}

func newInvalidStatus(sourceChangeID int64, message string) ChangeUploadStatus {
	return ChangeUploadStatus{
		SourceChangeID: sourceChangeID,
		Status:         StatusInvalid,
		Message:        message,
	}
}
