package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// WordParser maps single console word to action.
// Returning nil, nil means word is not recognized.
type WordParser func(word string) (Doer, error)

// ParseLine splits whitespace separated commands.
// Meta words: help (returns usage), loop=N (repeat whole line), sN (pause N ms).
func ParseLine(line string, usage Doer, parse WordParser) (Doer, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return Nothing{}, nil
	}

	loopn := uint(0)
	rest := make([]string, 0, len(words))
	for _, word := range words {
		switch {
		case word == "help":
			return usage, nil
		case strings.HasPrefix(word, "loop="):
			if loopn != 0 {
				return nil, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return nil, errors.Annotatef(err, "word=%s", word)
			}
			loopn = uint(i)
		default:
			rest = append(rest, word)
		}
	}

	seq := NewSeq("input:" + line)
	for _, word := range rest {
		d, err := parseWord(word, parse)
		if err != nil {
			return nil, err
		}
		seq.Append(d)
	}
	if loopn != 0 {
		return RepeatN{N: loopn, D: seq}, nil
	}
	return seq, nil
}

func parseWord(word string, parse WordParser) (Doer, error) {
	if parse != nil {
		d, err := parse(word)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		if d != nil {
			return d, nil
		}
	}
	if word[0] == 's' && len(word) > 1 {
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err == nil {
			return Sleep{time.Duration(i) * time.Millisecond}, nil
		}
	}
	return nil, errors.NotValidf("command '%s'", word)
}
