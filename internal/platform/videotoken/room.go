package videotoken

import "strconv"

// RoomForConsultation returns the room every party of a consultation joins.
// The name depends only on the consultation id, so whichever party initializes
// the call first, both resolve to the same room. Consultation ids are unique,
// which makes the mapping injective.
func RoomForConsultation(consultationID int64) string {
	return "consultation-" + strconv.FormatInt(consultationID, 10)
}
