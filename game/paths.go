/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"strconv"
)

const (
	phasePath        = "phase"
	hostPath         = "hostId"
	gamePath         = "game"
	recentPath       = "recentCategories"
	roundPath        = "game/currentRound"
	subjectIndexPath = "game/currentSubjectIndex"
	subjectOrderPath = "game/subjectOrder"
	categoryPath     = "game/currentCategory"
	currentAnsPath   = "game/currentAnswers"
	allCompletePath  = "game/allWritingComplete"
)

func playerPath(id string) string {
	return "players/" + id
}

func seatPath(seat int) string {
	return "seats/" + strconv.Itoa(seat)
}

func scorePath(id string) string {
	return "players/" + id + "/score"
}

func isHostPath(id string) string {
	return "players/" + id + "/isHost"
}

func answerPath(round int, subject, writer string) string {
	return "game/answersByRound/" + strconv.Itoa(round) + "/" + subject + "/" + writer
}

func rosterPath(id string) string {
	return "game/roster/" + id
}

func completedPath(id string) string {
	return "game/playersCompleted/" + id
}

func guessPath(round int, subject, guesser string) string {
	return "game/guesses/" + strconv.Itoa(round) + "/" + subject + "/" + guesser
}

func revealedPath(round int, subject string) string {
	return "game/revealed/" + strconv.Itoa(round) + "/" + subject
}
