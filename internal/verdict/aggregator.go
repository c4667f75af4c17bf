package verdict

import (
	"fmt"

	"fieldop-service/internal/domain/fieldop"
)

const errorSummary = "处理视频时出错"

// Confirmed reports whether at least one frame is Positive. Indeterminate
// frames never confirm.
func Confirmed(outcomes []fieldop.FrameOutcome) bool {
	for _, o := range outcomes {
		if o.Result == fieldop.Positive {
			return true
		}
	}
	return false
}

// Aggregate reduces frame outcomes for an anti-rolling or remove-rolling event.
func Aggregate(deviceID string, event fieldop.DetectionEvent, frames []fieldop.FrameSample, outcomes []fieldop.FrameOutcome) fieldop.Verdict {
	ok := Confirmed(outcomes)
	return fieldop.Verdict{
		DeviceID:  deviceID,
		Operation: event.Operation,
		Success:   ok,
		Evidence:  frames,
		Timestamp: event.Timestamp,
		Status:    statusOf(ok),
		Summary:   rollingSummary(event.Operation, ok),
	}
}

// VehicleNumber builds the verdict for a vehicle-number event; an empty value
// is a recognition failure.
func VehicleNumber(deviceID string, event fieldop.DetectionEvent, frames []fieldop.FrameSample, value string) fieldop.Verdict {
	ok := value != ""
	v := fieldop.Verdict{
		DeviceID:      deviceID,
		Operation:     fieldop.VehicleNumber,
		Success:       ok,
		VehicleNumber: value,
		Evidence:      frames,
		Timestamp:     event.Timestamp,
		Status:        statusOf(ok),
		Summary:       "未识别车号",
	}
	if ok {
		v.Summary = fmt.Sprintf("识别车号：%s", value)
	}
	return v
}

// Error builds the device-level error verdict. The internal cause is never
// part of the message.
func Error(deviceID string, timestamp float64) fieldop.Verdict {
	return fieldop.Verdict{
		DeviceID:  deviceID,
		Operation: fieldop.Unknown,
		Timestamp: timestamp,
		Status:    fieldop.StatusFailure,
		Summary:   errorSummary,
		Error:     true,
	}
}

func statusOf(ok bool) fieldop.Status {
	if ok {
		return fieldop.StatusSuccess
	}
	return fieldop.StatusFailure
}

func rollingSummary(op fieldop.OperationType, ok bool) string {
	switch {
	case op == fieldop.AntiRolling && ok:
		return "防遛确认"
	case op == fieldop.AntiRolling:
		return "防遛未确认"
	case op == fieldop.RemoveRolling && ok:
		return "撤遛确认"
	default:
		return "撤遛未确认"
	}
}

// ToMessage renders a verdict as the observer wire record.
func ToMessage(v fieldop.Verdict) fieldop.Message {
	frames := make([]string, 0, len(v.Evidence))
	for _, f := range v.Evidence {
		frames = append(frames, f.Path)
	}

	msg := fieldop.Message{
		Type:      v.Operation.String(),
		DeviceID:  v.DeviceID,
		Result:    v.Summary,
		Frames:    frames,
		Timestamp: v.Timestamp,
		Status:    v.Status,
	}
	switch {
	case v.Error:
		msg.Type = "error"
	case v.Operation == fieldop.VehicleNumber:
		if v.VehicleNumber != "" {
			value := v.VehicleNumber
			msg.VehicleNumber = &value
		}
	default:
		success := v.Success
		msg.Success = &success
	}
	return msg
}
