// Package models tests for operation payload validation.
package models

import "testing"

func validRecord() Record {
	return Record{
		SyncID:       UUID("5f3a0a39-45a1-4f11-9d2c-0f6f4f6f4f6f"),
		Owner:        "alice",
		Title:        "note",
		Version:      1,
		LastModified: 100,
		SyncState:    SyncStatePending,
	}
}

// TestOperationDataValidate verifies the payload matches its declared kind.
func TestOperationDataValidate(t *testing.T) {
	rec := validRecord()

	tests := []struct {
		name    string
		data    OperationData
		wantErr bool
	}{
		{"valid upload", OperationData{Kind: OperationUpload, Upload: &UploadData{Record: rec}}, false},
		{"valid update", OperationData{Kind: OperationUpdate, Update: &UpdateData{Record: rec, BaseVersion: 1}}, false},
		{"valid delete", OperationData{Kind: OperationDelete, Delete: &DeleteData{DeletedBy: "alice"}}, false},
		{"upload missing payload", OperationData{Kind: OperationUpload}, true},
		{"upload with extra payload", OperationData{Kind: OperationUpload, Upload: &UploadData{Record: rec}, Delete: &DeleteData{}}, true},
		{"update zero base version", OperationData{Kind: OperationUpdate, Update: &UpdateData{Record: rec}}, true},
		{"upload missing sync id", OperationData{Kind: OperationUpload, Upload: &UploadData{Record: Record{}}}, true},
		{"unknown kind", OperationData{Kind: "archive"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.data.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestRecordPayload verifies payload extraction per kind.
func TestRecordPayload(t *testing.T) {
	rec := validRecord()

	upload := OperationData{Kind: OperationUpload, Upload: &UploadData{Record: rec}}
	if got := upload.RecordPayload(); got == nil || got.SyncID != rec.SyncID {
		t.Error("upload RecordPayload() should return the carried record")
	}

	del := OperationData{Kind: OperationDelete, Delete: &DeleteData{DeletedBy: "alice"}}
	if got := del.RecordPayload(); got != nil {
		t.Error("delete RecordPayload() should be nil")
	}
}

// TestRecordClone verifies deep copy of the deletion timestamp.
func TestRecordClone(t *testing.T) {
	rec := validRecord()
	rec.MarkDeleted(200)

	clone := rec.Clone()
	if !clone.Deleted || clone.DeletedAt == nil || *clone.DeletedAt != 200 {
		t.Fatal("clone should carry the deletion marker")
	}

	*clone.DeletedAt = 999
	if *rec.DeletedAt != 200 {
		t.Error("mutating the clone changed the original DeletedAt")
	}
}

// TestMarkDeleted verifies the soft-delete marker.
func TestMarkDeleted(t *testing.T) {
	rec := validRecord()
	rec.MarkDeleted(300)

	if !rec.Deleted {
		t.Error("record should be flagged deleted")
	}
	if rec.DeletedAt == nil || *rec.DeletedAt != 300 {
		t.Error("DeletedAt should carry the deletion time")
	}
	if rec.LastModified != 300 {
		t.Error("LastModified should advance to the deletion time")
	}
}
