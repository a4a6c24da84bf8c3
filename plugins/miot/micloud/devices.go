package micloud

import (
	"context"
	"encoding/json"
	"fmt"
)

const deviceListPath = "home/device_list"

// DeviceRecord is one entry of the account's device list.
type DeviceRecord struct {
	DID         string      `json:"did"`
	Token       string      `json:"token"`
	Name        string      `json:"name"`
	Model       string      `json:"model"`
	LocalIP     string      `json:"localip"`
	MAC         string      `json:"mac"`
	SSID        string      `json:"ssid"`
	BSSID       string      `json:"bssid"`
	ParentID    string      `json:"parent_id"`
	ParentModel string      `json:"parent_model"`
	UID         int64       `json:"uid"`
	IsOnline    bool        `json:"isOnline"`
	RSSI        int         `json:"rssi"`
	Extra       DeviceExtra `json:"extra"`
}

type DeviceExtra struct {
	FWVersion string `json:"fw_version"`
}

type deviceListResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  *struct {
		List []DeviceRecord `json:"list"`
	} `json:"result"`
}

// Devices fetches the account's device list. The slice is never nil: a
// failed or empty response yields no devices, with the cause returned for
// logging.
func (s *Session) Devices(ctx context.Context) ([]DeviceRecord, error) {
	raw, err := s.Request(ctx, deviceListPath, map[string]any{
		"getVirtualModel": false,
		"getHuamiDevices": 0,
	})
	if err != nil {
		return []DeviceRecord{}, err
	}
	return decodeDeviceList(raw)
}

func decodeDeviceList(raw json.RawMessage) ([]DeviceRecord, error) {
	var resp deviceListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return []DeviceRecord{}, fmt.Errorf("%w: decode device list: %v", ErrRequestFailed, err)
	}
	if resp.Code != 0 {
		return []DeviceRecord{}, fmt.Errorf("%w: device list: code %d: %s", ErrRequestFailed, resp.Code, resp.Message)
	}
	if resp.Result == nil || resp.Result.List == nil {
		return []DeviceRecord{}, nil
	}
	return resp.Result.List, nil
}
