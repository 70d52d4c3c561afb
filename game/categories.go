/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"math/rand/v2"
	"slices"
)

// DefaultCategories is the prompt pool games draw from.
var DefaultCategories = []string{
	"If they were a movie, they'd be:",
	"If they were a superhero, their power would be:",
	"Their spirit animal is:",
	"If they were a food, they'd be:",
	"Their theme song would be:",
	"If they wrote a book, it would be titled:",
	"Their secret talent is probably:",
	"In a zombie apocalypse, they would:",
	"If they were a weather pattern, they'd be:",
	"Their ideal vacation is:",
	"If they were a meme, they'd be:",
	"Their catchphrase should be:",
	"If they had a warning label, it would say:",
	"They're secretly plotting to:",
	"Their autobiography would be called:",
}

// drawCategories picks n distinct prompts from pool, avoiding the ones in
// recent when enough others remain.
func drawCategories(pool, recent []string, n int, shuffle func(int, func(i, j int))) []string {
	fresh := make([]string, 0, len(pool))
	for _, c := range pool {
		if !slices.Contains(recent, c) && !slices.Contains(fresh, c) {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) < n {
		fresh = fresh[:0]
		for _, c := range pool {
			if !slices.Contains(fresh, c) {
				fresh = append(fresh, c)
			}
		}
	}

	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })

	if len(fresh) > n {
		fresh = fresh[:n]
	}

	return fresh
}
