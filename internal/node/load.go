// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/PerceptLabs/mvmnt"
	"github.com/PerceptLabs/mvmnt/internal/config"
)

const maxLoadLineSize = 1 << 20

// Load replays a file of newline-delimited raw events into the store without
// subscribing to relays, and returns the number of events per outcome
func Load(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	eventsPath string,
) (map[mvmnt.Outcome]int, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	f, err := os.Open(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	loadCfg := *cfg
	loadCfg.Relays = nil
	n, err := mvmnt.New(
		mvmnt.NewConfig(
			append(
				Options(&loadCfg, logger),
				mvmnt.WithEscrowTimers(false),
			)...,
		),
	)
	if err != nil {
		return nil, err
	}
	if err := n.Start(); err != nil {
		return nil, err
	}
	defer n.Stop() //nolint:errcheck

	counts := make(map[mvmnt.Outcome]int)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLoadLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		res, err := n.Process(ctx, []byte(line))
		if err != nil {
			return counts, fmt.Errorf("line %d: %w", lineNum, err)
		}
		counts[res.Outcome]++
	}
	if err := scanner.Err(); err != nil {
		return counts, fmt.Errorf("read events file: %w", err)
	}
	outcomes := make([]string, 0, len(counts))
	for outcome, count := range counts {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, count))
	}
	sort.Strings(outcomes)
	logger.Info(
		fmt.Sprintf(
			"loaded %d lines from %s: %s",
			lineNum,
			eventsPath,
			strings.Join(outcomes, " "),
		),
		"component", "node",
	)
	return counts, nil
}
