package shipments

import "github.com/petalpouches/shipsync/internal/models"

// ShouldAppend reports whether candidate is new to history. An event is a
// duplicate when an existing one has the same raw status and the same
// timestamp string.
func ShouldAppend(history []models.TrackingEvent, candidate models.TrackingEvent) bool {
	for _, e := range history {
		if e.Status == candidate.Status && e.Timestamp == candidate.Timestamp {
			return false
		}
	}
	return true
}
