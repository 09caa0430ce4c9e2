package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
)

// Normalize decodes a raw event's payload into the rule-facing
// observation view. The sequencer has already schema-validated the
// payload; a decode failure here still fails closed as malformed.
func Normalize(ev contracts.RawEvent) (contracts.Observation, error) {
	obs := contracts.Observation{
		EventID:    ev.EventID,
		SensorKind: ev.SensorKind,
		ObservedAt: ev.ObservedAt.UTC(),
	}

	switch ev.SensorKind {
	case contracts.SensorProcess:
		var p struct {
			ExePath   string    `json:"exe_path"`
			Action    string    `json:"action"`
			StartedAt time.Time `json:"started_at"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.ExePath, obs.ProcAction, obs.StartedAt = p.ExePath, p.Action, p.StartedAt.UTC()

	case contracts.SensorFile:
		var p struct {
			Path string `json:"path"`
			Op   string `json:"op"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.FilePath, obs.FileOp = p.Path, p.Op

	case contracts.SensorPersistence:
		var p struct {
			ArtifactPath string    `json:"artifact_path"`
			Mechanism    string    `json:"mechanism"`
			TargetPath   string    `json:"target_path"`
			CreatedAt    time.Time `json:"created_at"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.ArtifactPath, obs.Mechanism, obs.TargetPath = p.ArtifactPath, p.Mechanism, p.TargetPath
		obs.CreatedAt = p.CreatedAt.UTC()

	case contracts.SensorNetworkIntent:
		var p struct {
			ExePath    string `json:"exe_path"`
			RemoteAddr string `json:"remote_addr"`
			RemotePort int    `json:"remote_port"`
			Protocol   string `json:"protocol"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.ExePath, obs.RemoteAddr, obs.RemotePort, obs.Protocol = p.ExePath, p.RemoteAddr, p.RemotePort, p.Protocol

	case contracts.SensorFlow:
		var p struct {
			DstAddr  string `json:"dst_addr"`
			DstPort  int    `json:"dst_port"`
			Protocol string `json:"protocol"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.RemoteAddr, obs.RemotePort, obs.Protocol = p.DstAddr, p.DstPort, p.Protocol

	case contracts.SensorDNS:
		var p struct {
			QName        string `json:"qname"`
			ResolvedAddr string `json:"resolved_addr"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.QueryName, obs.ResolvedAddr = p.QName, p.ResolvedAddr

	case contracts.SensorIdentity:
		var p struct {
			Principal string `json:"principal"`
			Action    string `json:"action"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.Principal, obs.IDAction = p.Principal, p.Action

	case contracts.SensorDeception:
		var p struct {
			DecoyID     string `json:"decoy_id"`
			Interaction string `json:"interaction"`
		}
		if err := decode(ev, &p); err != nil {
			return obs, err
		}
		obs.DecoyID, obs.Interaction = p.DecoyID, p.Interaction

	default:
		return obs, &contracts.MalformedEventError{EventID: ev.EventID, Reason: fmt.Sprintf("unknown sensor kind %q", ev.SensorKind)}
	}

	return obs, nil
}

func decode(ev contracts.RawEvent, dst any) error {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return &contracts.MalformedEventError{EventID: ev.EventID, Reason: fmt.Sprintf("payload decode: %v", err)}
	}
	return nil
}
