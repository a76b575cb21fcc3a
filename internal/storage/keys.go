package storage

import "strconv"

// IndividualKey is the task key of a cooldown reminder.
func IndividualKey(recipientID, channelID int64, activity string) string {
	return strconv.FormatInt(recipientID, 10) + "-" + strconv.FormatInt(channelID, 10) + "-" + activity
}

// GroupKey is the task key of a group's reminder.
func GroupKey(groupID int64) string {
	return "group-" + strconv.FormatInt(groupID, 10)
}

// CustomKey is the task key of a free-form reminder.
func CustomKey(recipientID, seq int64) string {
	return strconv.FormatInt(recipientID, 10) + "-custom-" + strconv.FormatInt(seq, 10)
}
