// Command ctextgen trains a conditional sentence VAE (Bowman et al. 2016) on
// the Stanford Sentiment Treebank and samples sentences from it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "train":
		runTrain(os.Args[2:])
	case "sample":
		runSample(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("ctextgen - conditional text generation with a recurrent VAE")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ctextgen train [--gpu] [--config FILE] [--data DIR] [--glove FILE] [options]")
	fmt.Println("  ctextgen sample --model FILE [--vocab FILE] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Train the VAE; the checkpoint is saved on completion and on interrupt")
	fmt.Println("  sample   Generate sentences from a trained checkpoint")
}
