// Command ragpipe runs the ingestion pipeline.
//
// Run locally with `ragpipe serve --config config.yaml`, or rely solely on
// RAGPIPE_* environment overrides (for example RAGPIPE_DATABASE_DSN and
// RAGPIPE_QUEUE_REDIS_URL). `ragpipe crawl <url>` previews what a website
// source would ingest, and `ragpipe embed --agent <id>` backfills vectors.
package main

import "github.com/JakeFAU/rag-pipeline/cmd"

func main() {
	cmd.Execute()
}
