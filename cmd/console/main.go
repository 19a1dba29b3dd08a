// Command console runs the fall-detection monitoring console and offers
// one-shot commands against the detection service.
package main

func main() {
	Execute()
}
