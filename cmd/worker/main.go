/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/operator"
	"github.com/karbos-project/karbos/pkg/operator/options"
)

func main() {
	fs := flag.NewFlagSet("karbos-worker", flag.ExitOnError)
	opts := options.New(fs)
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewLogger(opts.LogDevelopment)
	defer func() { _ = logger.Sync() }()

	if err := opts.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(logging.WithLogger(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := operator.RunWorker(ctx, opts); err != nil {
		logger.Fatalw("worker failed", "error", err)
	}
}
