package models

// DeviceInfo identifies the sending device to the receiving user.
type DeviceInfo struct {
	Hostname string `json:"hostname"`
	OSType   string `json:"os_type"`
}

// TransferRequest is the body of POST /file-transfer-request.
type TransferRequest struct {
	FilesInfo    []FileInfo `json:"files_info"`
	DeviceInfo   DeviceInfo `json:"device_info"`
	ReceiverInfo string     `json:"receiver_info"`
}

// TotalSize sums the declared sizes of all offered files.
func (r TransferRequest) TotalSize() int64 {
	var total int64
	for _, f := range r.FilesInfo {
		total += f.Size
	}
	return total
}

// TransferRequestNotification is the payload of the file-transfer-request event.
type TransferRequestNotification struct {
	ID   string          `json:"id"`
	Data TransferRequest `json:"data"`
}

// Decision is the conventional decision payload returned to a sender.
// Receivers may answer with any JSON value; Decision is what this
// implementation produces and understands.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}
